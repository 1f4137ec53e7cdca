//go:build integration

package directory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/jflux/natsclient"
	"github.com/c360/jflux/registry"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// exerciseDirectory checks the behavior every backend shares
func exerciseDirectory(t *testing.T, dir registry.Directory) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	changes, err := dir.Watch(ctx)
	require.NoError(t, err)

	e := registry.DirectoryEntry{
		ID:         "svc1",
		Seq:        1,
		NodeID:     "nodeA",
		ClassNames: []string{"greeter.Greeter"},
		Properties: map[string]any{"lang": "en"},
	}
	require.NoError(t, dir.Put(ctx, e))

	select {
	case ch := <-changes:
		assert.Equal(t, registry.ChangePut, ch.Op)
		assert.Equal(t, e.Key(), ch.Key)
		assert.Equal(t, e.ClassNames, ch.Entry.ClassNames)
	case <-ctx.Done():
		t.Fatal("put not observed")
	}

	list, err := dir.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "en", list[0].Properties["lang"])

	require.NoError(t, dir.Delete(ctx, e.Key()))
	select {
	case ch := <-changes:
		assert.Equal(t, registry.ChangeDelete, ch.Op)
		assert.Equal(t, e.Key(), ch.Key)
	case <-ctx.Done():
		t.Fatal("delete not observed")
	}

	list, err = dir.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	cancel()
	for range changes {
	}
}

func TestNATSKV(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	dir, err := NewNATSKV(context.Background(), tc.Client, "jflux-dir-test", 0)
	require.NoError(t, err)
	defer dir.Close()

	exerciseDirectory(t, dir)
}

func TestEtcd(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "quay.io/coreos/etcd:v3.5.17",
		ExposedPorts: []string{"2379/tcp"},
		Cmd: []string{"etcd",
			"--listen-client-urls", "http://0.0.0.0:2379",
			"--advertise-client-urls", "http://0.0.0.0:2379"},
		WaitingFor: wait.ForListeningPort("2379/tcp").WithStartupTimeout(60 * time.Second),
	}, "2379")

	dir, err := DialEtcd(EtcdConfig{Endpoints: []string{addr}, TTL: 5 * time.Second})
	require.NoError(t, err)
	defer dir.Close()

	exerciseDirectory(t, dir)
}

func TestEtcd_LeaseRevokedOnClose(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "quay.io/coreos/etcd:v3.5.17",
		ExposedPorts: []string{"2379/tcp"},
		Cmd: []string{"etcd",
			"--listen-client-urls", "http://0.0.0.0:2379",
			"--advertise-client-urls", "http://0.0.0.0:2379"},
		WaitingFor: wait.ForListeningPort("2379/tcp").WithStartupTimeout(60 * time.Second),
	}, "2379")
	ctx := context.Background()

	owner, err := DialEtcd(EtcdConfig{Endpoints: []string{addr}, TTL: 30 * time.Second})
	require.NoError(t, err)
	require.NoError(t, owner.Put(ctx, registry.DirectoryEntry{ID: "x", NodeID: "n", ClassNames: []string{"A"}}))

	observer, err := DialEtcd(EtcdConfig{Endpoints: []string{addr}})
	require.NoError(t, err)
	defer observer.Close()

	list, err := observer.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, owner.Close())
	list, err = observer.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedis(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")

	dir, err := DialRedis(context.Background(), RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer dir.Close()

	exerciseDirectory(t, dir)
}

func TestDirectoryRegistry_OverNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	dirA, err := NewNATSKV(ctx, tc.Client, "jflux-dir-reg", 0)
	require.NoError(t, err)
	dirB, err := NewNATSKV(ctx, tc.Client, "jflux-dir-reg", 0)
	require.NoError(t, err)

	a, err := registry.NewDirectoryRegistry(dirA, registry.WithNodeID("a"))
	require.NoError(t, err)
	b, err := registry.NewDirectoryRegistry(dirB, registry.WithNodeID("b"))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	_, err = a.Register(ctx, registry.RegistrationRequest{
		ClassNames: []string{"greeter.Greeter"},
		Service:    "hello",
	})
	require.NoError(t, err)

	desc := registry.Descriptor{ClassName: "greeter.Greeter"}
	assert.Eventually(t, func() bool {
		refs, err := b.FindAll(ctx, desc)
		return err == nil && len(refs) == 1
	}, 5*time.Second, 50*time.Millisecond)

	refs, err := b.FindAll(ctx, desc)
	require.NoError(t, err)
	ref := refs[0]
	assert.True(t, ref.Remote)
	assert.Equal(t, "a", ref.NodeID)
}
