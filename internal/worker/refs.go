package worker

import "regexp"

// refPattern is the only syntactic form element handles may take. Refs are
// minted by the worker; anything else arriving from outside is rejected
// before it can reach a selector, which closes the injection path.
var refPattern = regexp.MustCompile(`^(find_|page_)?ref_\d+$`)

// ValidRef reports whether ref is a well-formed element handle.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}
