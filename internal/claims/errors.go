package claims

import "fmt"

// Stable machine-readable codes for client-caused failures. These are part
// of the API surface; callers branch on them.
const (
	CodeJWTVerifyFailed       = "JWT_VERIFY_FAILED"
	CodeUnsupportedDIDMethod  = "UNSUPPORTED_DID_METHOD"
	CodeMissingClaim          = "MISSING_CLAIM"
	CodeUnregisteredUser      = "UNREGISTERED_USER"
	CodeOverClaimLimit        = "OVER_CLAIM_LIMIT"
	CodeOverRegistrationLimit = "OVER_REGISTRATION_LIMIT"
	CodeCannotRegisterTooSoon = "CANNOT_REGISTER_TOO_SOON"
	CodeDuplicateClaim        = "DUPLICATE_CLAIM"
	CodeDuplicateConfirmation = "DUPLICATE_CONFIRMATION"
	CodeUnauthorizedEdit      = "UNAUTHORIZED_EDIT"
	CodeRefNotFound           = "REF_NOT_FOUND"
	CodeRefMismatch           = "REF_MISMATCH"
	CodeInvalidClaim          = "INVALID_CLAIM"
	CodeInviteExpired         = "INVITE_EXPIRED"
	CodeInviteAlreadyRedeemed = "INVITE_ALREADY_REDEEMED"
	CodeInviteCollision       = "INVITE_COLLISION"
	CodeInvalidAuthority      = "INVALID_AUTHORITY"
)

// ClientError is a client-caused intake failure: stable code, human
// message, optional details. Server-caused failures stay plain errors.
type ClientError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *ClientError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func clientError(status int, code, message string, details any) *ClientError {
	return &ClientError{Status: status, Code: code, Message: message, Details: details}
}
