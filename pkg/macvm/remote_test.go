package macvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/oven-sh/macvm/pkg/tart"
)

type fakePuller struct {
	vms []tart.VM

	// pullErrs is the number of initial Pull calls that fail transiently
	pullErrs int

	pulls   []string
	clones  [][2]string
	pushes  [][]string
	pushEnv [][]string
}

func (f *fakePuller) List(ctx context.Context) ([]tart.VM, error) {
	return append([]tart.VM(nil), f.vms...), nil
}

func (f *fakePuller) Clone(ctx context.Context, src, dst string) error {
	f.clones = append(f.clones, [2]string{src, dst})
	return nil
}

func (f *fakePuller) Pull(ctx context.Context, ref string, credentials []string) error {
	f.pulls = append(f.pulls, ref)
	if f.pullErrs > 0 {
		f.pullErrs--
		return xerrors.New("connection reset by peer")
	}
	f.vms = append(f.vms, tart.VM{Name: ref})
	return nil
}

func (f *fakePuller) Push(ctx context.Context, name string, refs []string, credentials []string) error {
	f.pushes = append(f.pushes, append([]string{name}, refs...))
	f.pushEnv = append(f.pushEnv, credentials)
	return nil
}

func shortenPullRetry(t *testing.T) {
	t.Helper()
	prevAttempts, prevInterval := pullAttempts, pullInterval
	t.Cleanup(func() {
		pullAttempts, pullInterval = prevAttempts, prevInterval
	})
	pullAttempts, pullInterval = 3, time.Millisecond
}

const (
	testRemoteRef = "ghcr.io/oven-sh/bun/bun-build-macos-14:1.2.16-bootstrap-4.1"
	testLocalName = "bun-build-macos-14-arm64-1.2.16-bootstrap-4.1"
)

func TestPullSkipsTransferWhenImageIsAlreadyLocal(t *testing.T) {
	store := &fakePuller{vms: []tart.VM{{Name: testRemoteRef}}}
	client := &RemoteImageClient{Store: store, Naming: testNaming()}

	localName, err := client.Pull(context.Background(), buildTarget(), false)
	require.NoError(t, err)
	require.Equal(t, testLocalName, localName)
	require.Empty(t, store.pulls, "a locally present remote image must not be transferred again")
	require.Equal(t, [][2]string{{testRemoteRef, testLocalName}}, store.clones)
}

func TestPullRefetchesUnderForceRemoteRefresh(t *testing.T) {
	shortenPullRetry(t)

	store := &fakePuller{vms: []tart.VM{{Name: testRemoteRef}, {Name: testLocalName}}}
	client := &RemoteImageClient{Store: store, Naming: testNaming()}

	localName, err := client.Pull(context.Background(), buildTarget(), true)
	require.NoError(t, err)
	require.Equal(t, testLocalName, localName)
	require.Equal(t, []string{testRemoteRef}, store.pulls)
	require.Empty(t, store.clones, "the canonical local name already exists")
}

func TestPullFetchesAndClones(t *testing.T) {
	shortenPullRetry(t)

	store := &fakePuller{}
	client := &RemoteImageClient{Store: store, Naming: testNaming()}

	localName, err := client.Pull(context.Background(), buildTarget(), false)
	require.NoError(t, err)
	require.Equal(t, testLocalName, localName)
	require.Equal(t, []string{testRemoteRef}, store.pulls)
	require.Equal(t, [][2]string{{testRemoteRef, testLocalName}}, store.clones)
}

func TestPullRetriesTransientFailures(t *testing.T) {
	shortenPullRetry(t)

	store := &fakePuller{pullErrs: 2}
	client := &RemoteImageClient{Store: store, Naming: testNaming()}

	localName, err := client.Pull(context.Background(), buildTarget(), false)
	require.NoError(t, err, "a transient transfer failure must not fail the pull")
	require.Equal(t, testLocalName, localName)
	require.Len(t, store.pulls, 3)
}

func TestPullGivesUpAfterBoundedAttempts(t *testing.T) {
	shortenPullRetry(t)

	store := &fakePuller{pullErrs: 10}
	client := &RemoteImageClient{Store: store, Naming: testNaming()}

	_, err := client.Pull(context.Background(), buildTarget(), false)
	require.ErrorContains(t, err, "connection reset")
	require.Len(t, store.pulls, pullAttempts)
}

func TestPushSkipsWithoutCredentials(t *testing.T) {
	store := &fakePuller{vms: []tart.VM{{Name: testLocalName}}}
	naming := testNaming()
	naming.Registry.Host = "registry.invalid"
	client := &RemoteImageClient{Store: store, Naming: naming}

	err := client.Push(context.Background(), testLocalName, buildTarget())
	require.NoError(t, err, "a push without credentials is skipped, never an error")
	require.Empty(t, store.pushes)
}

func TestPushUploadsPrimaryAndLatestTags(t *testing.T) {
	store := &fakePuller{vms: []tart.VM{{Name: testLocalName}}}
	naming := testNaming()
	naming.Registry.Username = "octocat"
	naming.Registry.Password = "s3cret"
	client := &RemoteImageClient{Store: store, Naming: naming}

	err := client.Push(context.Background(), testLocalName, buildTarget())
	require.NoError(t, err)

	require.Equal(t, [][]string{{
		testLocalName,
		testRemoteRef,
		"ghcr.io/oven-sh/bun/bun-build-macos-14:latest",
	}}, store.pushes)
	require.Equal(t, [][]string{{
		"TART_REGISTRY_USERNAME=octocat",
		"TART_REGISTRY_PASSWORD=s3cret",
	}}, store.pushEnv)
}
