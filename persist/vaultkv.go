package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/keyhold/keyhold/interfaces"
)

// VaultKVAdapter stores entry records in a HashiCorp Vault KV v2 mount,
// one secret per identity. The records are already sealed under the
// keystore master key, so Vault provides availability and access control,
// not the confidentiality boundary.
type VaultKVAdapter struct {
	client      *vaultapi.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultKVAdapter creates a Vault storage adapter using token
// authentication.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "keyhold")
//   - token: Vault token
func NewVaultKVAdapter(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultKVAdapter, error) {
	config := vaultapi.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := vaultapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultKVAdapter{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Put stores an entry record. Vault KV writes are atomic per path.
func (b *VaultKVAdapter) Put(ctx context.Context, entry interfaces.KeyEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode key entry: %w", err)
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"entry": base64.StdEncoding.EncodeToString(raw),
		},
	}

	_, err = b.client.Logical().WriteWithContext(ctx, b.entryDataPath(entry.Identity), payload)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	b.log.Debug("Stored key entry in Vault", slog.String("identity", entry.Identity.String()))
	return nil
}

// Get retrieves an entry record by identity.
func (b *VaultKVAdapter) Get(ctx context.Context, id interfaces.Identity) (interfaces.KeyEntry, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, b.entryDataPath(id))
	if err != nil {
		return interfaces.KeyEntry{}, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return interfaces.KeyEntry{}, interfaces.ErrUnknownIdentity
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return interfaces.KeyEntry{}, interfaces.ErrUnknownIdentity
	}
	encoded, ok := data["entry"].(string)
	if !ok {
		return interfaces.KeyEntry{}, fmt.Errorf("invalid record format in Vault response")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return interfaces.KeyEntry{}, fmt.Errorf("failed to decode key entry: %w", err)
	}

	var entry interfaces.KeyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return interfaces.KeyEntry{}, fmt.Errorf("failed to decode key entry: %w", err)
	}
	return entry, nil
}

// Delete removes an entry record and all its KV versions.
func (b *VaultKVAdapter) Delete(ctx context.Context, id interfaces.Identity) error {
	// Vault deletes are silent on missing paths; check existence first.
	if _, err := b.Get(ctx, id); err != nil {
		return err
	}

	_, err := b.client.Logical().DeleteWithContext(ctx, b.entryMetadataPath(id))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}
	return nil
}

// List enumerates entry metadata, optionally filtered by kind.
func (b *VaultKVAdapter) List(ctx context.Context, kind *interfaces.KeyKind) ([]interfaces.KeyInfo, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s/entries", b.mountPath, b.dataPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStorageUnavailable, err)
	}

	infos := []interfaces.KeyInfo{}
	if secret == nil || secret.Data == nil {
		return infos, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return infos, nil
	}

	for _, k := range keys {
		idStr, ok := k.(string)
		if !ok {
			continue
		}
		id, err := interfaces.NewIdentityFromHex(idStr)
		if err != nil {
			continue
		}

		entry, err := b.Get(ctx, id)
		if err != nil {
			b.log.Warn("Skipping unreadable key entry", slog.String("identity", idStr), "err", err)
			continue
		}

		if kind != nil && entry.Kind != *kind {
			continue
		}
		infos = append(infos, entry.Info())
	}
	return infos, nil
}

// Available checks Vault health.
func (b *VaultKVAdapter) Available(ctx context.Context) bool {
	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		b.log.Debug("Vault adapter unavailable", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// Name returns an identifier for logging.
func (b *VaultKVAdapter) Name() string {
	return fmt.Sprintf("vault-%s", b.mountPath)
}

// LocationURI returns the URI identifying this adapter.
func (b *VaultKVAdapter) LocationURI() string {
	return b.locationURI
}

func (b *VaultKVAdapter) entryDataPath(id interfaces.Identity) string {
	return fmt.Sprintf("%s/data/%s/entries/%s", b.mountPath, b.dataPath, id)
}

func (b *VaultKVAdapter) entryMetadataPath(id interfaces.Identity) string {
	return fmt.Sprintf("%s/metadata/%s/entries/%s", b.mountPath, b.dataPath, id)
}
