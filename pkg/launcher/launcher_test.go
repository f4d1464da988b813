package launcher

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylift/roost/pkg/clusterfs"
	"github.com/skylift/roost/pkg/config"
	"github.com/skylift/roost/pkg/credentials"
	"github.com/skylift/roost/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ApplicationName = "wordcount"
	cfg.ApplicationID = "app_0001"
	cfg.AppWorkDir = "/roost"
	cfg.ContainerJVMArgs = "-Xms256M"
	return cfg
}

func testContainer(memoryMB int) types.Container {
	return types.Container{
		ID:       "container_01",
		Node:     types.NodeID{Host: "node-a", Port: 8042},
		Resource: types.Capability{MemoryMB: memoryMB, VirtualCores: 1},
	}
}

// TestBuildCommandLine tests the exact worker command line, including the
// heap sized to the granted memory rather than the requested memory.
func TestBuildCommandLine(t *testing.T) {
	cfg := testConfig()
	b := NewBuilder(cfg, clusterfs.NewMemFS(), nil)

	ctx, err := b.Build(testContainer(768), "RoostWorker_4")
	require.NoError(t, err)
	require.Len(t, ctx.Commands, 1)

	want := "$JAVA_HOME/bin/java -Xmx768M -Xms256M io.skylift.roost.worker.RoostWorker" +
		" --application-name wordcount --helix-instance-name RoostWorker_4" +
		" 1><LOG_DIR>/RoostWorker.stdout 2><LOG_DIR>/RoostWorker.stderr"
	assert.Equal(t, want, ctx.Commands[0])
}

// TestBuildCommandLineExplicitLogDir tests that a configured log dir replaces
// the expansion variable in the redirects.
func TestBuildCommandLineExplicitLogDir(t *testing.T) {
	cfg := testConfig()
	cfg.LogDir = "/var/log/roost"
	b := NewBuilder(cfg, clusterfs.NewMemFS(), nil)

	ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
	require.NoError(t, err)

	assert.Contains(t, ctx.Commands[0], " 1>/var/log/roost/RoostWorker.stdout")
	assert.Contains(t, ctx.Commands[0], " 2>/var/log/roost/RoostWorker.stderr")
}

// TestBuildLocalResources tests that files under the lib, jars and files
// staging directories are localized and directories are skipped.
func TestBuildLocalResources(t *testing.T) {
	fs := clusterfs.NewMemFS()
	fs.Add("/roost/wordcount/app_0001/lib/roost-core.jar", 1000)
	fs.Add("/roost/wordcount/app_0001/lib/zookeeper.jar", 2000)
	fs.Add("/roost/wordcount/app_0001/container/jars/wordcount.jar", 3000)
	fs.Add("/roost/wordcount/app_0001/container/files/app.conf", 40)
	// A file one level deeper is a child of a directory, not of the staging
	// dir itself, and must not be localized.
	fs.Add("/roost/wordcount/app_0001/lib/nested/skip.jar", 9)

	b := NewBuilder(testConfig(), fs, nil)
	ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
	require.NoError(t, err)

	require.Len(t, ctx.Resources, 4)
	assert.Equal(t, LocalResource{
		URI:  "/roost/wordcount/app_0001/lib/roost-core.jar",
		Size: 1000,
		Type: "FILE",
	}, ctx.Resources["roost-core.jar"])
	assert.Contains(t, ctx.Resources, "zookeeper.jar")
	assert.Contains(t, ctx.Resources, "wordcount.jar")
	assert.Contains(t, ctx.Resources, "app.conf")
	assert.NotContains(t, ctx.Resources, "skip.jar")
}

// TestBuildMissingStagingDirsAreSkipped tests that absent staging directories
// do not fail the build.
func TestBuildMissingStagingDirsAreSkipped(t *testing.T) {
	b := NewBuilder(testConfig(), clusterfs.NewMemFS(), nil)

	ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
	require.NoError(t, err)
	assert.Empty(t, ctx.Resources)
}

// TestBuildRemoteFiles tests localization of the comma-separated remote file
// list, including whitespace and empty entries.
func TestBuildRemoteFiles(t *testing.T) {
	fs := clusterfs.NewMemFS()
	fs.Add("/shared/dict.txt", 123)
	fs.Add("/shared/stop-words.txt", 45)

	cfg := testConfig()
	cfg.ContainerFilesRemote = "/shared/dict.txt, /shared/stop-words.txt,,"

	b := NewBuilder(cfg, fs, nil)
	ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
	require.NoError(t, err)

	require.Len(t, ctx.Resources, 2)
	assert.Equal(t, int64(123), ctx.Resources["dict.txt"].Size)
	assert.Equal(t, int64(45), ctx.Resources["stop-words.txt"].Size)
}

// TestBuildEnvironment tests the cluster-standard environment additions.
func TestBuildEnvironment(t *testing.T) {
	b := NewBuilder(testConfig(), clusterfs.NewMemFS(), nil)

	ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
	require.NoError(t, err)

	assert.Equal(t, "{{CLASSPATH}}:./*:./lib/*:./conf", ctx.Env["CLASSPATH"])
	assert.Equal(t, "$PATH:$JAVA_HOME/bin", ctx.Env["PATH"])
}

// TestBuildTokens tests that the credential blob rides along only when
// security is enabled, and as an independent duplicate.
func TestBuildTokens(t *testing.T) {
	blob, err := credentials.Pack([]credentials.Token{
		{Kind: "HDFS_DELEGATION_TOKEN", Service: "nn:8020", Identifier: []byte{1}, Password: []byte{2}},
	})
	require.NoError(t, err)

	t.Run("security enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.SecurityEnabled = true
		b := NewBuilder(cfg, clusterfs.NewMemFS(), blob)

		ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
		require.NoError(t, err)
		require.NotNil(t, ctx.Tokens)
		assert.Equal(t, blob.Len(), ctx.Tokens.Len())
		assert.NotSame(t, blob, ctx.Tokens)
	})

	t.Run("security disabled", func(t *testing.T) {
		b := NewBuilder(testConfig(), clusterfs.NewMemFS(), blob)

		ctx, err := b.Build(testContainer(1024), "RoostWorker_1")
		require.NoError(t, err)
		assert.Nil(t, ctx.Tokens)
	})
}

// TestBuildEachContainerGetsOwnTokenView tests that two launch contexts never
// share a read cursor over the token blob.
func TestBuildEachContainerGetsOwnTokenView(t *testing.T) {
	blob, err := credentials.Pack([]credentials.Token{
		{Kind: "HDFS_DELEGATION_TOKEN", Service: "nn:8020", Identifier: []byte{1}, Password: []byte{2}},
	})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SecurityEnabled = true
	b := NewBuilder(cfg, clusterfs.NewMemFS(), blob)

	var blobs []*credentials.Blob
	for i := 0; i < 2; i++ {
		ctx, err := b.Build(testContainer(1024), fmt.Sprintf("RoostWorker_%d", i+1))
		require.NoError(t, err)
		blobs = append(blobs, ctx.Tokens)
	}

	// Draining the first context's blob must not affect the second's.
	buf := make([]byte, blobs[0].Len())
	_, err = blobs[0].Read(buf)
	require.NoError(t, err)

	_, err = credentials.Unpack(blobs[1])
	assert.NoError(t, err)
}
