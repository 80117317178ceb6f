// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"

	"go.astrophena.name/newsbot/internal/logger"
	"go.astrophena.name/newsbot/internal/testutil"
)

type flagApp struct {
	name string
	ran  bool
	args []string
}

func (a *flagApp) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.name, "name", "", "Name.")
}

func (a *flagApp) Run(ctx context.Context) error {
	a.ran = true
	a.args = GetEnv(ctx).Args
	logger.Get(ctx).Debug("running", "name", a.name)
	return nil
}

func testEnv(args ...string) (*Env, *bytes.Buffer) {
	var stderr bytes.Buffer
	return &Env{
		Args:   args,
		Getenv: func(string) string { return "" },
		Stdin:  strings.NewReader(""),
		Stdout: new(bytes.Buffer),
		Stderr: &stderr,
	}, &stderr
}

func TestRunParsesFlags(t *testing.T) {
	t.Parallel()

	app := new(flagApp)
	env, stderr := testEnv("-v", "-name", "test", "run", "extra")
	if err := Run(WithEnv(context.Background(), env), app); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, app.ran, true)
	testutil.AssertEqual(t, app.name, "test")
	testutil.AssertEqual(t, app.args, []string{"run", "extra"})
	if !strings.Contains(stderr.String(), "name=test") {
		t.Errorf("verbose flag did not enable debug logging: %q", stderr.String())
	}
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	app := new(flagApp)
	env, _ := testEnv("-version")
	err := Run(WithEnv(context.Background(), env), app)
	if !errors.Is(err, ErrExitVersion) {
		t.Fatalf("want ErrExitVersion, got %v", err)
	}
	testutil.AssertEqual(t, app.ran, false)
	testutil.AssertEqual(t, isPrintableError(err), false)
}

func TestRunBadFlag(t *testing.T) {
	t.Parallel()

	env, _ := testEnv("-unknown")
	err := Run(WithEnv(context.Background(), env), new(flagApp))
	if err == nil {
		t.Fatal("want error")
	}
	testutil.AssertEqual(t, isPrintableError(err), false)
}

func TestParseDocComment(t *testing.T) {
	SetDocComment([]byte("/*\nAmazinator does amazing things.\n*/\npackage main\n"))
	t.Cleanup(func() { SetDocComment(nil) })
	testutil.AssertEqual(t, parseDocComment(), "Amazinator does amazing things.\n")
}
