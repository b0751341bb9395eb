package imap

import "encoding/base64"

// DecodeSASLResponse decodes a base64-encoded SASL response line.
func DecodeSASLResponse(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// EncodeSASLChallenge encodes a SASL challenge to base64.
func EncodeSASLChallenge(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}
