package auth

import (
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// Guard inspects session claims and returns an error when access is denied.
type Guard func(claims *interfaces.SessionClaims) error

// Check runs guards in order and returns the first failure.
func Check(claims *interfaces.SessionClaims, guards ...Guard) error {
	for _, g := range guards {
		if err := g(claims); err != nil {
			return err
		}
	}
	return nil
}

// Authenticated requires claims with a subject.
func Authenticated() Guard {
	return func(claims *interfaces.SessionClaims) error {
		if claims == nil || claims.SubjectID == "" {
			return interfaces.Errorf(interfaces.ErrAuthentication, "auth.Authenticated", "authentication required")
		}
		return nil
	}
}

// MFASatisfied requires the MFA claim when the subject has MFA enabled.
func MFASatisfied(enabled bool) Guard {
	return func(claims *interfaces.SessionClaims) error {
		if enabled && (claims == nil || !claims.MFAVerified) {
			return interfaces.ErrMFARequired
		}
		return nil
	}
}

// MFAMandatory requires the MFA claim unconditionally.
func MFAMandatory() Guard {
	return MFASatisfied(true)
}

// Role requires claims carrying role.
func Role(role string) Guard {
	return func(claims *interfaces.SessionClaims) error {
		if claims == nil || claims.Role != role {
			return interfaces.Errorf(interfaces.ErrPermission, "auth.Role", "role %q required", role)
		}
		return nil
	}
}

// Admin is the guard chain of administrative actions.
func Admin() []Guard {
	return []Guard{Authenticated(), Role(interfaces.RoleAdmin), MFAMandatory()}
}
