package model

import "fmt"

// Family is the response distribution of a mixed-effects model
type Family string

const (
	FamilyGaussian Family = "gaussian"
	FamilyBinomial Family = "binomial"
	FamilyGamma    Family = "gamma"
)

// Link is the link function connecting the linear predictor to the mean
type Link string

const (
	LinkIdentity Link = "identity"
	LinkLog      Link = "log"
	LinkInverse  Link = "inverse"
	LinkLogit    Link = "logit"
)

// ParseFamily validates a family name
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyGaussian, FamilyBinomial, FamilyGamma:
		return Family(s), nil
	case "":
		return FamilyGaussian, nil
	default:
		return "", fmt.Errorf("unknown response family %q", s)
	}
}

// ParseLink validates a link name
func ParseLink(s string) (Link, error) {
	switch Link(s) {
	case LinkIdentity, LinkLog, LinkInverse, LinkLogit:
		return Link(s), nil
	default:
		return "", fmt.Errorf("unknown link function %q", s)
	}
}

// DefaultLink returns the canonical link for a family
func (f Family) DefaultLink() Link {
	switch f {
	case FamilyBinomial:
		return LinkLogit
	case FamilyGamma:
		return LinkLog
	default:
		return LinkIdentity
	}
}

// Admits reports whether the link is supported for this family
func (f Family) Admits(l Link) bool {
	switch f {
	case FamilyGaussian:
		return l == LinkIdentity
	case FamilyBinomial:
		return l == LinkLogit
	case FamilyGamma:
		return l == LinkIdentity || l == LinkLog || l == LinkInverse
	default:
		return false
	}
}
