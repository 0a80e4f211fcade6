package registry

import "fmt"

// Policy decides what Connect does when the key already has an entry.
type Policy int

const (
	// ReplaceExisting closes the current handle and opens a new one.
	ReplaceExisting Policy = iota
	// ReuseExisting keeps a live handle and reports success without dialing.
	ReuseExisting
	// RejectIfPresent fails with ErrAlreadyConnected while a live handle exists.
	RejectIfPresent
)

func (p Policy) String() string {
	switch p {
	case ReplaceExisting:
		return "replace"
	case ReuseExisting:
		return "reuse"
	case RejectIfPresent:
		return "reject"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts the names produced by String. Empty means ReplaceExisting.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "replace":
		return ReplaceExisting, nil
	case "reuse":
		return ReuseExisting, nil
	case "reject":
		return RejectIfPresent, nil
	}
	return ReplaceExisting, fmt.Errorf("unknown connect policy %q", s)
}
