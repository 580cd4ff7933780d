package routing

import (
	"encoding/hex"
	"errors"
	"fmt"

	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/opencontainers/go-digest"
)

// ParseKey turns user input into a content key. A CID is used as is, an OCI digest is
// wrapped into a raw CIDv1 and anything else is hashed with sha2-256.
func ParseKey(s string) (cid.Cid, error) {
	if s == "" {
		return cid.Cid{}, errors.New("key cannot be empty")
	}
	if c, err := cid.Decode(s); err == nil {
		return c, nil
	}
	if dgst, err := digest.Parse(s); err == nil {
		return KeyFromDigest(dgst)
	}
	return KeyFromString(s)
}

// KeyFromString hashes an arbitrary string into a raw CIDv1.
func KeyFromString(key string) (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum([]byte(key))
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}

// KeyFromDigest keeps the hash of an OCI digest so that the same content maps to the same key.
func KeyFromDigest(dgst digest.Digest) (cid.Cid, error) {
	var code uint64
	switch dgst.Algorithm() {
	case digest.SHA256:
		code = mh.SHA2_256
	case digest.SHA512:
		code = mh.SHA2_512
	default:
		return cid.Cid{}, fmt.Errorf("unsupported digest algorithm %s", dgst.Algorithm())
	}
	b, err := hex.DecodeString(dgst.Encoded())
	if err != nil {
		return cid.Cid{}, fmt.Errorf("could not decode digest %s: %w", dgst, err)
	}
	hash, err := mh.Encode(b, code)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(uint64(mc.Raw), hash), nil
}
