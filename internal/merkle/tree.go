// Package merkle maintains the NFT ownership commitment: a sorted-pair
// keccak256 tree over (owner, tokenId) leaves.
package merkle

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyTree is returned when a tree is built from zero leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// Hash is a 32-byte node value.
type Hash = [32]byte

// LeafHash computes keccak256(abi.encodePacked(address owner, uint256 tokenId)).
// The owner address is lowercased before packing so the same wallet always
// produces the same leaf.
func LeafHash(owner string, tokenID *big.Int) (Hash, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if !common.IsHexAddress(owner) {
		return Hash{}, fmt.Errorf("merkle: invalid owner address %q", owner)
	}
	addr := common.HexToAddress(owner)

	packed := make([]byte, 0, 20+32)
	packed = append(packed, addr.Bytes()...)
	id := make([]byte, 32)
	tokenID.FillBytes(id)
	packed = append(packed, id...)

	var h Hash
	copy(h[:], crypto.Keccak256(packed))
	return h, nil
}

// combine hashes a sorted pair: keccak256(min(a,b) || max(a,b)). Sorting
// makes the tree order-insensitive at each level.
func combine(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var h Hash
	copy(h[:], crypto.Keccak256(a[:], b[:]))
	return h
}

// Tree is a binary sorted-pair Merkle tree. Odd node counts carry the last
// node up a level unhashed.
type Tree struct {
	layers [][]Hash
}

// NewTree builds the tree bottom-up from the leaf layer.
func NewTree(leaves []Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	layers := [][]Hash{append([]Hash(nil), leaves...)}
	for len(layers[len(layers)-1]) > 1 {
		prev := layers[len(layers)-1]
		next := make([]Hash, 0, (len(prev)+1)/2)
		for i := 0; i < len(prev); i += 2 {
			if i+1 < len(prev) {
				next = append(next, combine(prev[i], prev[i+1]))
			} else {
				next = append(next, prev[i])
			}
		}
		layers = append(layers, next)
	}
	return &Tree{layers: layers}, nil
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	return t.layers[len(t.layers)-1][0]
}

// RootHex returns the 0x-prefixed root.
func (t *Tree) RootHex() string {
	r := t.Root()
	return "0x" + hex.EncodeToString(r[:])
}

// Proof returns the sibling path for the leaf, or false when the leaf is
// not in the tree. A single-leaf tree yields an empty proof.
func (t *Tree) Proof(leaf Hash) ([]Hash, bool) {
	idx := -1
	for i, l := range t.layers[0] {
		if l == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	var proof []Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof, true
}

// VerifyProof recomputes the root from leaf and proof and compares.
func VerifyProof(leaf Hash, proof []Hash, root Hash) bool {
	h := leaf
	for _, p := range proof {
		h = combine(h, p)
	}
	return h == root
}

// HashesToHex renders a proof as 0x-prefixed strings for the wire.
func HashesToHex(hs []Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = "0x" + hex.EncodeToString(h[:])
	}
	return out
}
