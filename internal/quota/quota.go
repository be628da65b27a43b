// Package quota derives the remaining anonymous-link allowance.
//
// The backend's link list is the only source of truth. Nothing in this
// package counts anything itself -- callers pass the count from the most
// recent authoritative list fetch and get a remaining value back.
package quota

// Limit is the number of links an anonymous identity may hold before
// being required to sign in.
const Limit = 5

// Remaining returns how many more links an anonymous identity may create
// given the authoritative server-side link count. Never negative, even if
// the server reports more links than the limit allows.
func Remaining(serverLinkCount int) int {
	if serverLinkCount >= Limit {
		return 0
	}
	return Limit - serverLinkCount
}
