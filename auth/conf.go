package auth

// Conf configures device token signing.
type Conf struct {
	// SharedSecret signs tokens for controllers without a secret of their own.
	SharedSecret string `json:"shared_secret"`
	Issuer       string `json:"issuer"`
}
