package claims

import "strings"

// Kind is the closed set of claim kinds the dispatcher understands.
// KindUnknown is the explicit forward-compatible fallback: the claim is
// stored but produces no derived record.
type Kind int

const (
	KindUnknown Kind = iota
	KindGive
	KindOffer
	KindPlan
	KindProject
	KindJoinAction
	KindOrgRole
	KindRegister
	KindTenure
	KindVote
	KindAgree
)

func (k Kind) String() string {
	switch k {
	case KindGive:
		return "GiveAction"
	case KindOffer:
		return "Offer"
	case KindPlan:
		return "PlanAction"
	case KindProject:
		return "Project"
	case KindJoinAction:
		return "JoinAction"
	case KindOrgRole:
		return "Organization"
	case KindRegister:
		return "RegisterAction"
	case KindTenure:
		return "Tenure"
	case KindVote:
		return "VoteAction"
	case KindAgree:
		return "AgreeAction"
	default:
		return "Unknown"
	}
}

const (
	schemaOrgContext = "https://schema.org"
	ledgerContext    = "https://vouch.dev/terms"
)

// KindOf maps a claim's context+type pair to its Kind. Unrecognized pairs
// map to KindUnknown rather than erroring.
func KindOf(context, claimType string) Kind {
	context = strings.TrimRight(strings.TrimSpace(context), "/")
	switch context {
	case schemaOrgContext, "http://schema.org":
		switch claimType {
		case "GiveAction":
			return KindGive
		case "Offer":
			return KindOffer
		case "PlanAction":
			return KindPlan
		case "Project":
			return KindProject
		case "JoinAction":
			return KindJoinAction
		case "Organization":
			return KindOrgRole
		case "RegisterAction":
			return KindRegister
		case "VoteAction":
			return KindVote
		case "AgreeAction", "Confirmation":
			return KindAgree
		}
	case ledgerContext:
		if claimType == "Tenure" {
			return KindTenure
		}
	}
	return KindUnknown
}
