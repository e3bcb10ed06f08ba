package signer

// Signer produces detached signatures for generated database archives
type Signer interface {
	SignDetached(data []byte) ([]byte, error)
}
