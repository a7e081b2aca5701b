package macvm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Registry pulls are multi-gigabyte transfers; a transient network blip must
// not fail the whole preparation. Variables so tests can shorten them.
var (
	pullAttempts = 3
	pullInterval = 10 * time.Second
)

// VMPuller is the part of the tart client the remote image client needs.
type VMPuller interface {
	VMLister
	Clone(ctx context.Context, src, dst string) error
	Pull(ctx context.Context, ref string, credentials []string) error
	Push(ctx context.Context, name string, refs []string, credentials []string) error
}

// RemoteImageClient talks to the OCI registry holding prebuilt VM images.
// Existence checks go through the registry API directly (a manifest HEAD
// instead of a multi-gigabyte pull); transfers go through tart, which owns the
// local image store format.
type RemoteImageClient struct {
	Store  VMPuller
	Naming *ImageNaming
}

// Exists checks whether the registry holds an image for the tuple. Missing
// credentials degrade to an unauthenticated attempt; a failing registry is
// reported as an error for the caller to downgrade, never a panic.
func (r *RemoteImageClient) Exists(ctx context.Context, t VersionTuple) (bool, string, error) {
	refStr := r.Naming.RegistryRef(t)
	ref, err := name.ParseReference(refStr)
	if err != nil {
		return false, "", xerrors.Errorf("cannot parse registry reference %s: %w", refStr, err)
	}

	_, err = remote.Head(ref, remote.WithAuth(r.authenticator(ref)), remote.WithContext(ctx))
	if err != nil {
		var terr *transport.Error
		if xerrors.As(err, &terr) && (terr.StatusCode == 404 || terr.StatusCode == 403) {
			// 403 is how ghcr.io reports a repository that does not exist
			return false, refStr, nil
		}
		return false, refStr, xerrors.Errorf("cannot check registry for %s: %w", refStr, err)
	}
	return true, refStr, nil
}

// Pull materializes the registry image for the tuple under its canonical local
// name and returns that name. When a matching remote-origin image is already
// present locally and forceRemoteRefresh is unset, the network transfer is
// skipped entirely.
func (r *RemoteImageClient) Pull(ctx context.Context, t VersionTuple, forceRemoteRefresh bool) (string, error) {
	ref := r.Naming.RegistryRef(t)
	localName := r.Naming.Encode(t)

	cached, err := r.hasLocalCopy(ctx, ref)
	if err != nil {
		return "", err
	}
	if cached && !forceRemoteRefresh {
		log.WithField("ref", ref).Debug("remote image already present locally, skipping pull")
	} else {
		err := retry(ctx, fmt.Sprintf("pull of %s", ref), pullAttempts, pullInterval, func(ctx context.Context) (bool, error) {
			if err := r.Store.Pull(ctx, ref, r.credentialEnv()); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return "", xerrors.Errorf("cannot pull %s: %w", ref, err)
		}
	}

	exists, err := localVMExists(ctx, r.Store, localName)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := r.Store.Clone(ctx, ref, localName); err != nil {
			return "", xerrors.Errorf("cannot clone pulled image %s: %w", ref, err)
		}
	}
	return localName, nil
}

// Push uploads a local image under its primary tag plus the floating latest
// tag for the OS. Without credentials the push is skipped; pushing is always
// best-effort and the caller must not fail a build over it.
func (r *RemoteImageClient) Push(ctx context.Context, localName string, t VersionTuple) error {
	if r.Naming.Registry.Username == "" || r.Naming.Registry.Password == "" {
		if !r.hasKeychainCredentials() {
			log.Warn("no registry credentials available, skipping image push")
			return nil
		}
	}

	refs := []string{r.Naming.RegistryRef(t), r.Naming.RegistryLatestRef(t.OS)}
	log.WithFields(log.Fields{"image": localName, "refs": refs}).Info("pushing image to registry")
	if err := r.Store.Push(ctx, localName, refs, r.credentialEnv()); err != nil {
		return xerrors.Errorf("cannot push %s: %w", localName, err)
	}
	return nil
}

// authenticator resolves credentials in order: explicit configuration, then
// the Docker keychain (covers on-disk config written by docker/tart login),
// then anonymous.
func (r *RemoteImageClient) authenticator(ref name.Reference) authn.Authenticator {
	reg := r.Naming.Registry
	if reg.Username != "" && reg.Password != "" {
		return &authn.Basic{Username: reg.Username, Password: reg.Password}
	}

	auth, err := authn.DefaultKeychain.Resolve(ref.Context())
	if err != nil {
		log.WithError(err).Warn("cannot resolve registry credentials, attempting unauthenticated access")
		return authn.Anonymous
	}
	return auth
}

func (r *RemoteImageClient) hasKeychainCredentials() bool {
	reg, err := name.NewRegistry(r.Naming.Registry.Host)
	if err != nil {
		return false
	}
	auth, err := authn.DefaultKeychain.Resolve(reg)
	if err != nil || auth == authn.Anonymous {
		return false
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return false
	}
	return cfg.Username != "" || cfg.IdentityToken != "" || cfg.RegistryToken != ""
}

// credentialEnv renders the environment tart expects for registry access.
func (r *RemoteImageClient) credentialEnv() []string {
	reg := r.Naming.Registry
	if reg.Username == "" || reg.Password == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("TART_REGISTRY_USERNAME=%s", reg.Username),
		fmt.Sprintf("TART_REGISTRY_PASSWORD=%s", reg.Password),
	}
}

func (r *RemoteImageClient) hasLocalCopy(ctx context.Context, ref string) (bool, error) {
	return localVMExists(ctx, r.Store, ref)
}

func localVMExists(ctx context.Context, store VMLister, name string) (bool, error) {
	vms, err := store.List(ctx)
	if err != nil {
		return false, err
	}
	for _, vm := range vms {
		if vm.Name == name {
			return true, nil
		}
	}
	return false, nil
}
