package main

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Plugin hosting itself is an external collaborator the engine never loads
// or executes (§1's Non-goals, the PLUGIN error kind of §7: "surfaced
// without altering engine state"); this CLI only manages the bundle
// directory such a host would later read from, via plain zip archives
// extracted under <root>/plugins/<name>/. No example repo in the retrieved
// set imports a third-party zip library, so archive/zip is used as-is.
func pluginsDir() string {
	return filepath.Join(rootDir(), "plugins")
}

// cmdPsPlugin implements `concourse ps-plugin`: list installed bundles.
func cmdPsPlugin(_ []string) int {
	entries, err := os.ReadDir(pluginsDir())
	if os.IsNotExist(err) {
		fmt.Println("(no plugin bundles installed)")
		return exitOK
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "ps-plugin:", err)
		return exitRuntime
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, n := range names {
		fmt.Println(n)
	}

	return exitOK
}

// cmdInstallBundle implements `concourse install-bundle <zip>`: unpacks
// zipPath into plugins/<base-name-without-extension>/, refusing to
// overwrite an already-installed bundle of the same name.
func cmdInstallBundle(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "install-bundle: expected exactly one zip path")
		return exitUsage
	}

	zipPath := args[0]
	name := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	dest := filepath.Join(pluginsDir(), name)

	if _, err := os.Stat(dest); err == nil {
		fmt.Fprintf(os.Stderr, "install-bundle: %q already installed\n", name)
		return exitRuntime
	}

	if err := extractZip(zipPath, dest); err != nil {
		fmt.Fprintln(os.Stderr, "install-bundle:", err)
		_ = os.RemoveAll(dest)

		return exitRuntime
	}

	fmt.Printf("installed %q\n", name)

	return exitOK
}

// cmdUninstallBundle implements `concourse uninstall-bundle <name>`.
func cmdUninstallBundle(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "uninstall-bundle: expected exactly one bundle name")
		return exitUsage
	}

	name := args[0]
	dest := filepath.Join(pluginsDir(), name)

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "uninstall-bundle: %q not installed\n", name)
		return exitRuntime
	}

	if err := os.RemoveAll(dest); err != nil {
		fmt.Fprintln(os.Stderr, "uninstall-bundle:", err)
		return exitRuntime
	}

	fmt.Printf("uninstalled %q\n", name)

	return exitOK
}

// extractZip unpacks every entry of zipPath under dest, rejecting any entry
// whose cleaned path would escape dest (a zip-slip bundle trying to write
// outside its own plugin directory).
func extractZip(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dest, err)
	}

	for _, f := range r.File {
		target := filepath.Join(dest, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("bundle entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractZipFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	return nil
}
