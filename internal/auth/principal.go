package auth

// ExternalPrincipal is the identity provider's verified caller for one request.
type ExternalPrincipal struct {
	ProviderUserID string
	SessionID      string
	Email          string
}
