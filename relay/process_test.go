package relay

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn(t *testing.T) {
	cases := []struct {
		name      string
		script    string
		stdin     string
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:      "stdout",
			script:    "echo hello",
			expStdout: "hello\n",
		},
		{
			name:      "stderr",
			script:    "printf bar 1>&2",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			script:    "read line; echo $line bar",
			stdin:     "foo\n",
			expStdout: "foo bar\n",
		},
		{
			name:    "exit code",
			script:  "exit 3",
			expCode: 3,
		},
		{
			name:      "no arguments",
			script:    `printf "%s" "$#"`,
			expStdout: "0",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			proc, err := Spawn(writeScript(t, c.script))
			require.NoError(t, err)
			assert.NotZero(t, proc.Pid())

			if c.stdin != "" {
				_, err = proc.Stdin.Write([]byte(c.stdin))
				require.NoError(t, err)
			}
			require.NoError(t, proc.Stdin.Close())

			stdout, err := io.ReadAll(proc.Stdout)
			require.NoError(t, err)
			stderr, err := io.ReadAll(proc.Stderr)
			require.NoError(t, err)

			code, err := proc.Reap()
			require.NoError(t, err)

			assert.Equal(t, c.expStdout, string(stdout))
			assert.Equal(t, c.expStderr, string(stderr))
			assert.Equal(t, c.expCode, code)
		})
	}
}

func TestSpawnArgv0(t *testing.T) {
	path := writeScript(t, `printf "%s" "$0"`)
	proc, err := Spawn(path)
	require.NoError(t, err)
	require.NoError(t, proc.Stdin.Close())

	stdout, err := io.ReadAll(proc.Stdout)
	require.NoError(t, err)
	_, err = proc.Reap()
	require.NoError(t, err)

	assert.Equal(t, path, string(stdout))
}

func TestSpawnErrors(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))

	cases := []struct {
		name    string
		program string
		expErr  error
	}{
		{name: "missing", program: filepath.Join(dir, "missing"), expErr: os.ErrNotExist},
		{name: "not executable", program: notExec, expErr: os.ErrPermission},
		{name: "directory", program: dir},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			proc, err := Spawn(c.program)
			require.Error(t, err)
			assert.Nil(t, proc)
			assert.ErrorIs(t, err, ErrSpawn)
			assert.NotErrorIs(t, err, ErrPipe)
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
			}
		})
	}
}

func TestSpawnDoesNotSearchPath(t *testing.T) {
	// "sh" exists on PATH but is not a path to anything in the working directory
	_, err := Spawn("sh")
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestClosePipesOnce(t *testing.T) {
	proc, err := Spawn(writeScript(t, "exec cat"))
	require.NoError(t, err)

	require.NoError(t, proc.ClosePipes())
	// later calls report the first result rather than "already closed"
	require.NoError(t, proc.ClosePipes())

	code, err := proc.Reap()
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = proc.Stdout.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestReapOnce(t *testing.T) {
	proc, err := Spawn(writeScript(t, "exit 5"))
	require.NoError(t, err)
	require.NoError(t, proc.ClosePipes())

	code, err := proc.Reap()
	require.NoError(t, err)
	assert.Equal(t, 5, code)

	code, err = proc.Reap()
	require.NoError(t, err)
	assert.Equal(t, 5, code)
}

func TestKill(t *testing.T) {
	proc, err := Spawn(writeScript(t, "exec sleep 60"))
	require.NoError(t, err)
	require.NoError(t, proc.ClosePipes())

	require.NoError(t, proc.Kill())
	code, err := proc.Reap()
	require.NoError(t, err)
	assert.Equal(t, -1, code)

	// killing an exited process is not an error
	assert.NoError(t, proc.Kill())
}
