package domain

// Identity is a verified user identity handed to the gateway at connect time.
// Token issuance and verification of credentials happen outside this module.
type Identity struct {
	UserID      string
	DisplayName string
}
