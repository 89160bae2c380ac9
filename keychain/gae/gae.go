//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore keychain backend, used when
// the Shared namespace must follow a device identity across server-side
// workers.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	kc := keychain.New(local, "com.example.app",
//	    keychain.WithSharedBackend(gae.New(client, "mobileauth"), "group"))
package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/mobileauth/keychain"
)

// KindItem is the Datastore kind holding keychain items
const KindItem = "KeychainItem"

// ItemEntity is the Datastore entity for one item.
// Key format: keychain namespace + "/" + item key
type ItemEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Namespace string         `datastore:"namespace"`
	ItemKey   string         `datastore:"item_key"`
	Value     []byte         `datastore:"value,noindex"`
	UpdatedAt time.Time      `datastore:"updated_at"`
}

// Backend implements keychain.Backend using Google Cloud Datastore
type Backend struct {
	client    *datastore.Client
	namespace string
}

// New creates a backend whose entities live in the given Datastore namespace.
func New(client *datastore.Client, namespace string) *Backend {
	return &Backend{client: client, namespace: namespace}
}

func (b *Backend) entityKey(namespace, key string) *datastore.Key {
	k := datastore.NameKey(KindItem, namespace+"/"+key, nil)
	k.Namespace = b.namespace
	return k
}

func (b *Backend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var entity ItemEntity
	if err := b.client.Get(ctx, b.entityKey(namespace, key), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, keychain.ErrNotFound
		}
		return nil, fmt.Errorf("get keychain item: %w", err)
	}
	return entity.Value, nil
}

func (b *Backend) Put(ctx context.Context, namespace, key string, value []byte) error {
	k := b.entityKey(namespace, key)
	entity := &ItemEntity{
		Key:       k,
		Namespace: namespace,
		ItemKey:   key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	if _, err := b.client.Put(ctx, k, entity); err != nil {
		return fmt.Errorf("put keychain item: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, namespace, key string) error {
	err := b.client.Delete(ctx, b.entityKey(namespace, key))
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return fmt.Errorf("delete keychain item: %w", err)
	}
	return nil
}

// Purge removes every item stored under a keychain namespace and returns how
// many were deleted.
func (b *Backend) Purge(ctx context.Context, namespace string) (int, error) {
	query := datastore.NewQuery(KindItem).
		Namespace(b.namespace).
		FilterField("namespace", "=", namespace).
		KeysOnly()

	var keys []*datastore.Key
	it := b.client.Run(ctx, query)
	for {
		k, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("list keychain items: %w", err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := b.client.DeleteMulti(ctx, keys); err != nil {
		return 0, fmt.Errorf("purge keychain items: %w", err)
	}
	return len(keys), nil
}
