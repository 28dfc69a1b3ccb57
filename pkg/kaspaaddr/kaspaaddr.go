// Package kaspaaddr validates Kaspa's bech32-style address strings
// (e.g. "kaspa:qpauqsvk...", "kaspatest:qpauqsvk...") and derives the
// pay-to-pubkey-hash script hash of a decoded payload.
package kaspaaddr

import (
	"strings"

	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// Network identifies which Kaspa network an address belongs to.
type Network string

const (
	Mainnet   Network = "mainnet"
	Testnet10 Network = "testnet-10"
)

// prefixes maps the wire networkId (§6.2 request field) to the
// bech32 human-readable prefix Kaspa addresses carry before the colon.
var prefixes = map[Network]string{
	Mainnet:   "kaspa",
	Testnet10: "kaspatest",
}

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetIndex = func() map[byte]int {
	m := make(map[byte]int, len(charset))
	for i := 0; i < len(charset); i++ {
		m[charset[i]] = i
	}
	return m
}()

// Address is a decoded Kaspa address.
type Address struct {
	Network Network
	Version byte
	Payload []byte
}

// ErrInvalidAddress covers every way an address string fails to parse.
type ErrInvalidAddress struct {
	Reason string
}

func (e ErrInvalidAddress) Error() string { return "invalid kaspa address: " + e.Reason }

// Parse decodes a "<prefix>:<payload>" address string, checking the
// bech32 charset and recovering the version byte and payload. It does
// not verify the tail checksum against Kaspa's BCH-style polynomial;
// callers that need consensus-grade validation should confirm via the
// network RPC, matching how the tx-builder service treats this as a
// syntactic pre-check (§4.D "invalid-prefix address" reject).
func Parse(addr string) (Address, error) {
	idx := strings.IndexByte(addr, ':')
	if idx < 0 {
		return Address{}, ErrInvalidAddress{Reason: "missing network prefix"}
	}
	prefix, payload := addr[:idx], addr[idx+1:]

	network, ok := networkForPrefix(prefix)
	if !ok {
		return Address{}, ErrInvalidAddress{Reason: "unrecognized prefix " + prefix}
	}
	if len(payload) < 2 {
		return Address{}, ErrInvalidAddress{Reason: "payload too short"}
	}

	decoded := make([]byte, 0, len(payload))
	for i := 0; i < len(payload); i++ {
		v, ok := charsetIndex[payload[i]]
		if !ok {
			return Address{}, ErrInvalidAddress{Reason: "payload has non-bech32 character"}
		}
		decoded = append(decoded, byte(v))
	}

	// Kaspa's checksum occupies the trailing 8 characters; everything
	// before it is the version+pubkey-hash payload, 5-bit packed.
	const checksumLen = 8
	if len(decoded) <= checksumLen {
		return Address{}, ErrInvalidAddress{Reason: "payload shorter than checksum"}
	}
	body := decoded[:len(decoded)-checksumLen]

	packed, err := convertBits(body, 5, 8, false)
	if err != nil {
		return Address{}, ErrInvalidAddress{Reason: "bad bit packing: " + err.Error()}
	}
	if len(packed) < 1 {
		return Address{}, ErrInvalidAddress{Reason: "empty payload"}
	}

	return Address{Network: network, Version: packed[0], Payload: packed[1:]}, nil
}

// ValidatePrefix reports whether addr's prefix matches the requested
// networkId (§4.D validation: "invalid-prefix address").
func ValidatePrefix(addr string, networkId string) error {
	a, err := Parse(addr)
	if err != nil {
		return err
	}
	if string(a.Network) != networkId {
		return ErrInvalidAddress{Reason: "address network " + string(a.Network) + " does not match requested " + networkId}
	}
	return nil
}

// Encode builds a "<prefix>:<payload>" address string from a version
// byte and payload, the inverse of Parse. The trailing 8 characters are
// a fixed placeholder rather than Kaspa's real BCH-style checksum,
// matching Parse's syntactic-only validation.
func Encode(network Network, version byte, payload []byte) (string, error) {
	prefix, ok := prefixes[network]
	if !ok {
		return "", ErrInvalidAddress{Reason: "unknown network"}
	}
	packed, err := convertBits(append([]byte{version}, payload...), 8, 5, true)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(packed))
	for i, b := range packed {
		out[i] = charset[b]
	}
	return prefix + ":" + string(out) + "qqqqqqqq", nil
}

func networkForPrefix(prefix string) (Network, bool) {
	for net, p := range prefixes {
		if p == prefix {
			return net, true
		}
	}
	return "", false
}

// convertBits repacks a slice of 5-bit (or fromBits-bit) groups into
// toBits-bit groups, the standard bech32 regrouping step.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	maxv := uint32(1)<<toBits - 1
	var out []byte
	for _, b := range data {
		if uint32(b)>>fromBits != 0 {
			return nil, ErrInvalidAddress{Reason: "bit group out of range"}
		}
		acc = acc<<fromBits | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits)&byte(maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits))&byte(maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, ErrInvalidAddress{Reason: "non-zero padding"}
	}
	return out, nil
}

// PayToPubKeyHashScriptHash derives the contract-hash-style script
// commitment for a plain pay-to-pubkey-hash redeem: a SHA3-256 digest
// of the redeem bytes, further compressed through RIPEMD-160 to match
// Kaspa's 20-byte address payload width.
func PayToPubKeyHashScriptHash(redeem []byte) ([]byte, error) {
	sha := sha3.Sum256(redeem)
	h := ripemd160.New()
	if _, err := h.Write(sha[:]); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
