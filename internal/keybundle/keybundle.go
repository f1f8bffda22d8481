// Package keybundle loads and maintains the kryptograf PEM bundle that holds
// the root key and record descriptor for at-rest encryption. Every process
// sharing a store must use the same bundle, or none of them can read what the
// others wrote.
package keybundle

import (
	"fmt"

	"pkt.systems/kryptograf/keymgmt"
)

// RecordDescriptorName identifies the shared record descriptor inside the
// bundle. It doubles as the kryptograf context the descriptor is bound to.
const RecordDescriptorName = "warden/records"

// Material bundles the root key and descriptor required for record and
// snapshot encryption.
type Material struct {
	Root       keymgmt.RootKey
	Descriptor keymgmt.Descriptor
}

// Ensure loads the bundle at path, creating the root key and record
// descriptor if they are missing, and commits any additions back to disk.
func Ensure(path string) (Material, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return Material{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return Material{}, fmt.Errorf("ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(RecordDescriptorName, root, []byte(RecordDescriptorName))
	if err != nil {
		return Material{}, fmt.Errorf("ensure record descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return Material{}, fmt.Errorf("commit key bundle: %w", err)
	}
	return Material{Root: root, Descriptor: mat.Descriptor}, nil
}

// FromPath extracts existing material from the PEM bundle at path without
// modifying it.
func FromPath(path string) (Material, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return Material{}, fmt.Errorf("load key bundle: %w", err)
	}
	return fromStore(store)
}

// FromBytes extracts material from PEM content supplied as bytes.
func FromBytes(data []byte) (Material, error) {
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return Material{}, fmt.Errorf("load key bundle bytes: %w", err)
	}
	return fromStore(store)
}

func fromStore(store keymgmt.Store) (Material, error) {
	root, ok, err := store.RootKey()
	if err != nil {
		return Material{}, fmt.Errorf("read bundle root key: %w", err)
	}
	if !ok {
		return Material{}, fmt.Errorf("bundle missing root key")
	}
	desc, ok, err := store.Descriptor(RecordDescriptorName)
	if err != nil {
		return Material{}, fmt.Errorf("read bundle descriptor: %w", err)
	}
	if !ok {
		return Material{}, fmt.Errorf("bundle missing descriptor %q", RecordDescriptorName)
	}
	return Material{Root: root, Descriptor: desc}, nil
}
