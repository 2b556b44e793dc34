package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

type OpenBaoManager struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

type OpenBaoManagerOpt func(*OpenBaoManager)

func WithMountPath(mountPath string) OpenBaoManagerOpt {
	return func(v *OpenBaoManager) {
		v.mountPath = mountPath
	}
}

func NewOpenBaoManager(address, roleID, secretID string, logger *slog.Logger, opts ...OpenBaoManagerOpt) (*OpenBaoManager, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if roleID == "" {
		return nil, fmt.Errorf("role_id cannot be empty")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret_id cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create openbao client: %w", err)
	}

	err = authenticateAppRole(client, roleID, secretID)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}

	manager := &OpenBaoManager{
		client:    client,
		mountPath: "dockyard", // default KV v2 mount path
		roleID:    roleID,
		secretID:  secretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(manager)
	}

	go manager.tokenRenewalLoop()

	return manager, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	authData := map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	resp, err := client.Logical().Write("auth/approle/login", authData)
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from AppRole login")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (v *OpenBaoManager) Stop() {
	close(v.stopCh)
}

func (v *OpenBaoManager) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.ensureValidToken(); err != nil {
				v.logger.Error("openbao token renewal failed", "error", err)
			}
		}
	}
}

// ensureValidToken renews the token when its ttl runs low and logs in again
// when it is no longer valid.
func (v *OpenBaoManager) ensureValidToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	tokenInfo, err := v.client.Auth().Token().LookupSelf()
	if err != nil {
		v.logger.Warn("token lookup failed, re-authenticating", "error", err)
		return v.reAuthenticate()
	}

	if tokenInfo == nil || tokenInfo.Data == nil {
		return v.reAuthenticate()
	}

	ttl, err := tokenInfo.TokenTTL()
	if err != nil {
		return v.reAuthenticate()
	}

	if ttl < 5*time.Minute {
		v.logger.Info("token ttl low, attempting renewal", "ttl", ttl)

		renewResp, err := v.client.Auth().Token().RenewSelf(3600)
		if err != nil {
			v.logger.Warn("token renewal failed, re-authenticating", "error", err)
			return v.reAuthenticate()
		}

		if renewResp == nil || renewResp.Auth == nil {
			v.logger.Warn("token renewal returned no auth info, re-authenticating")
			return v.reAuthenticate()
		}

		v.logger.Info("token renewed", "new_ttl_seconds", renewResp.Auth.LeaseDuration)
	}

	return nil
}

func (v *OpenBaoManager) reAuthenticate() error {
	v.logger.Info("re-authenticating with approle")

	err := authenticateAppRole(v.client, v.roleID, v.secretID)
	if err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) PutCredential(ctx context.Context, cred Credential) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	cred, err := validate(cred)
	if err != nil {
		return err
	}

	data := map[string]any{
		"registry":   cred.Registry,
		"username":   cred.Username,
		"password":   cred.Password,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}

	_, err = v.client.KVv2(v.mountPath).Put(ctx, credentialPath(cred.Registry), data)
	if err != nil {
		return fmt.Errorf("failed to store credential in openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) RemoveCredential(ctx context.Context, registry string) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	host, err := NormalizeRegistry(registry)
	if err != nil {
		return err
	}

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, credentialPath(host))
	if err != nil || existing == nil {
		return ErrCredentialNotFound
	}

	// metadata delete drops every version, not only the latest
	err = v.client.KVv2(v.mountPath).DeleteMetadata(ctx, credentialPath(host))
	if err != nil {
		return fmt.Errorf("failed to delete credential from openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) GetCredential(ctx context.Context, registry string) (Credential, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	host, err := NormalizeRegistry(registry)
	if err != nil {
		return Credential{}, err
	}

	secret, err := v.client.KVv2(v.mountPath).Get(ctx, credentialPath(host))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credential{}, ErrCredentialNotFound
	}

	return credentialFromData(host, secret.Data), nil
}

func (v *OpenBaoManager) ListCredentials(ctx context.Context) ([]Credential, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	list, err := v.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/registries", v.mountPath))
	if err != nil {
		if strings.Contains(err.Error(), "no secret found") || strings.Contains(err.Error(), "no handler for route") {
			return []Credential{}, nil
		}
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	if list == nil || list.Data == nil {
		return []Credential{}, nil
	}

	keys, ok := list.Data["keys"].([]any)
	if !ok {
		return []Credential{}, nil
	}

	var creds []Credential
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			continue
		}

		secret, err := v.client.KVv2(v.mountPath).Get(ctx, path.Join("registries", key))
		if err != nil || secret == nil || secret.Data == nil {
			continue
		}

		creds = append(creds, credentialFromData(key, secret.Data).Redacted())
	}

	sort.Slice(creds, func(i, j int) bool {
		return creds[i].Registry < creds[j].Registry
	})

	return creds, nil
}

func credentialFromData(host string, data map[string]any) Credential {
	c := Credential{Registry: host}

	if r, ok := data["registry"].(string); ok {
		c.Registry = r
	}
	c.Username, _ = data["username"].(string)
	c.Password, _ = data["password"].(string)

	if s, ok := data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			c.CreatedAt = t
		}
	}

	return c
}

// registry hosts may carry a port, which is fine in a kv path segment
func credentialPath(host string) string {
	return path.Join("registries", host)
}
