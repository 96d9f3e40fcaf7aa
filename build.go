//go:build ignore

// build.go - license service build script
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: all, licensed, licensectl, test, release, clean

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const version = "1.0.0"

var (
	distDir = "dist"

	executables = []string{"licensed", "licensectl"}

	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

type buildContext struct {
	verbose bool
	goos    string
	goarch  string
}

func main() {
	target := flag.String("target", "all", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if runtime.GOOS == "windows" {
		colorReset, colorRed, colorGreen, colorCyan = "", "", "", ""
	}

	start := time.Now()
	ctx := &buildContext{verbose: *verbose, goos: runtime.GOOS, goarch: runtime.GOARCH}

	var err error
	switch *target {
	case "all":
		err = buildAll(ctx)
	case "licensed", "licensectl":
		err = buildExecutable(*target, ctx)
	case "test":
		err = runTests(ctx)
	case "release":
		err = buildRelease(ctx)
	case "clean":
		err = os.RemoveAll(distDir)
	default:
		showHelp()
		os.Exit(1)
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(start).Round(time.Millisecond)))
}

func printInfo(msg string)    { fmt.Printf("%s[INFO]%s %s\n", colorCyan, colorReset, msg) }
func printSuccess(msg string) { fmt.Printf("%s[OK]%s %s\n", colorGreen, colorReset, msg) }
func printError(msg string)   { fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg) }

func buildAll(ctx *buildContext) error {
	for _, name := range executables {
		if err := buildExecutable(name, ctx); err != nil {
			return err
		}
	}
	return nil
}

func buildExecutable(name string, ctx *buildContext) error {
	printInfo(fmt.Sprintf("Building %s for %s/%s...", name, ctx.goos, ctx.goarch))

	exe := name
	if ctx.goos == "windows" {
		exe += ".exe"
	}
	output := filepath.Join(distDir, ctx.goos+"_"+ctx.goarch, exe)

	ldflags := fmt.Sprintf("-s -w -X main.Version=%s -X main.BuildTime=%s",
		version, time.Now().UTC().Format(time.RFC3339))

	args := []string{"build", "-trimpath", "-ldflags", ldflags, "-o", output, "./cmd/" + name}
	if ctx.verbose {
		args = append([]string{"build", "-v"}, args[1:]...)
		fmt.Printf("go %s\n", strings.Join(args, " "))
	}

	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS="+ctx.goos, "GOARCH="+ctx.goarch)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to build %s: %w", name, err)
	}

	if info, err := os.Stat(output); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", output, float64(info.Size())/1024/1024))
	}
	return nil
}

func runTests(ctx *buildContext) error {
	printInfo("Running Go tests...")
	args := []string{"test", "-race"}
	if ctx.verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	cmd := exec.Command("go", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go tests failed: %w", err)
	}
	return nil
}

// buildRelease cross-compiles both binaries for the workshop platforms.
func buildRelease(ctx *buildContext) error {
	if err := os.RemoveAll(distDir); err != nil {
		return err
	}
	for _, platform := range []struct{ goos, goarch string }{
		{"linux", "amd64"},
		{"windows", "amd64"},
		{"darwin", "arm64"},
	} {
		rel := *ctx
		rel.goos, rel.goarch = platform.goos, platform.goarch
		if err := buildAll(&rel); err != nil {
			return err
		}
	}

	content := fmt.Sprintf("workshop license service v%s\nBuilt: %s\n", version, time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(distDir, "VERSION.txt"), []byte(content), 0o644)
}

func showHelp() {
	fmt.Println(`Usage: go run build.go [-target=TARGET] [-v]

Targets:
  all         Build licensed and licensectl for this platform (default)
  licensed    Build the license server
  licensectl  Build the admin CLI
  test        Run go test -race ./...
  release     Cross-compile for linux, windows and darwin
  clean       Remove dist/`)
}
