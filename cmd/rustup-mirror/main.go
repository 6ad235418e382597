// Package main implements the rustup-mirror command-line tool for mirroring Rust distribution channels.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/rustup-mirror/internal/export"
	"github.com/mirrorctl/rustup-mirror/internal/mirror"
)

const (
	defaultConfigPath = "/etc/rustup-mirror/mirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "rustup-mirror",
	Short: "Mirror Rust distribution channels",
	Long: `rustup-mirror creates and maintains selective mirrors of Rust distribution
channels (static.rust-lang.org) that rustup can install from.

Only the targets, platforms, components and package formats named in the
configuration file are downloaded; the published channel manifests are
rewritten to point at the mirror.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [mirror-ids...]",
	Short: "Synchronize one or more mirrors",
	Long: `Synchronizes one or more mirrors based on the provided configuration.

Usage:
  # Synchronize all mirrors in your configuration file
  rustup-mirror sync

  # Synchronize only specific mirrors
  rustup-mirror sync stable nightly

  # Use a custom configuration file
  rustup-mirror sync --config /path/to/custom-location.toml

  # Override the log level
  rustup-mirror sync --log-level debug

  # Show detailed error information
  rustup-mirror sync --verbose-errors

  # Suppress all output except for errors
  rustup-mirror sync --quiet

  # Dry run - fetch manifests and report what would be downloaded
  rustup-mirror sync --dry-run

If no mirror IDs are specified, all mirrors in the configuration file will be
synchronized.`,
	Run: runMirror,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file and report any issues.

Every mirror's targets, platforms and format lists are checked the same
way a sync checks them, without touching the network or the disk.`,
	Run: runValidate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [mirror-ids...]",
	Short: "Check mirrored files against their hash records",
	Long: `Re-hashes every mirrored file that has a .sha256 record and reports
files whose content changed, records whose file is gone and compressed
artifacts with a broken header.  Nothing is modified.

Examples:
  rustup-mirror verify
  rustup-mirror verify stable`,
	Run: runVerify,
}

var tlsCheckCmd = &cobra.Command{
	Use:   "tls-check [mirror-id]",
	Short: "Check TLS configuration and capabilities for a mirror",
	Long: `Performs a detailed TLS handshake and certificate check against the upstream server of a configured mirror.

This command helps diagnose TLS connection issues by testing supported TLS versions,
negotiated cipher suites, and examining the certificate chain.

Examples:
  rustup-mirror tls-check stable
  rustup-mirror tls-check nightly`,
	Args: cobra.ExactArgs(1),
	Run:  runTLSCheck,
}

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "Manage dated releases",
	Long:  `Manage the dated manifest copies kept under dist/<date>/.`,
}

var releasesListCmd = &cobra.Command{
	Use:   "list [mirror-id...]",
	Short: "List dated releases for mirrors",
	Long: `List dated releases for one or more mirrors.

Examples:
  rustup-mirror releases list
  rustup-mirror releases list stable
  rustup-mirror releases list --detailed`,
	Run: runReleasesList,
}

var releasesPruneCmd = &cobra.Command{
	Use:   "prune [mirror-id...]",
	Short: "Remove old dated releases according to retention policy",
	Long: `Remove the dated manifest copies of old releases.

The release carried by a published channel manifest is never pruned.
Artifacts only referenced by pruned releases are removed by the next
sync when gc is enabled.

Examples:
  rustup-mirror releases prune --keep-last 10
  rustup-mirror releases prune stable --keep-within 60d
  rustup-mirror releases prune stable --keep-last 5 --dry-run`,
	Run: runReleasesPrune,
}

var exportCmd = &cobra.Command{
	Use:   "export [mirror-id...]",
	Short: "Upload mirrors to an S3 bucket",
	Long: `Uploads the files of one or more mirrors to the bucket configured in the
[export] section.  Objects whose stored digest matches the local hash record
are skipped; channel manifests are uploaded after every artifact.

Examples:
  rustup-mirror export
  rustup-mirror export stable`,
	Run: runExport,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tlsCheckCmd)
	rootCmd.AddCommand(releasesCmd)
	rootCmd.AddCommand(exportCmd)

	releasesCmd.AddCommand(releasesListCmd)
	releasesCmd.AddCommand(releasesPruneCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("rustup-mirror {{.Version}}\n")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for rustup-mirror")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("no-pgp-check", false, "disable PGP signature verification")
	syncCmd.Flags().Bool("dry-run", false, "fetch manifests and report what would be downloaded")

	releasesListCmd.Flags().Bool("detailed", false, "show detailed release information including size")
	releasesPruneCmd.Flags().Int("keep-last", 0, "number of recent releases to keep")
	releasesPruneCmd.Flags().String("keep-within", "", "keep releases within duration (e.g., \"30d\", \"1w\")")
	releasesPruneCmd.Flags().Bool("dry-run", false, "list the releases that would be pruned")
}

func printVersion() {
	fmt.Printf("rustup-mirror %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for mirror typos
	mirrorGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for common "mirror" vs "mirrors" typo
		if strings.HasPrefix(keyStr, "mirror.") && !strings.HasPrefix(keyStr, "mirrors.") {
			// Extract the root section (e.g., "mirror.stable" from "mirror.stable.channels")
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1]
				mirrorGroups[rootSection]++
			}
		} else {
			unknown = append(unknown, keyStr)
		}
	}

	roots := make([]string, 0, len(mirrorGroups))
	for rootSection := range mirrorGroups {
		roots = append(roots, rootSection)
	}
	sort.Strings(roots)

	for _, rootSection := range roots {
		count := mirrorGroups[rootSection]
		correctedSection := strings.Replace(rootSection, "mirror.", "mirrors.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig decodes the configuration file, applies environment
// overrides and configures logging.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			return nil, errors.Newf("configuration file not found: %s", configPath)
		}
		return nil, errors.Newf("failed to decode config file %s: %s", configPath, formatError(err, verboseErrors))
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("configuration validation failed: %s", formatUndecodedError(undecoded))
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, errors.Wrap(err, "environment override")
	}

	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "failed to apply log config")
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrapf(err, "failed to apply command-line log level %q", logLevel)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrap(err, "failed to apply quiet log level")
		}
	}

	return config, nil
}

// mustLoadConfig is loadConfig for commands that cannot continue
// without a configuration.
func mustLoadConfig(cmd *cobra.Command) *mirror.Config {
	config, err := loadConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", configPath)
		os.Exit(1)
	}
	return config
}

// selectMirrors returns args, or every configured mirror when args is
// empty.  Unknown ids are reported and skipped.
func selectMirrors(config *mirror.Config, args []string) []string {
	if len(args) == 0 {
		return config.MirrorIDs()
	}
	var ids []string
	for _, id := range args {
		if _, ok := config.Mirrors[id]; !ok {
			slog.Error("mirror not found in configuration", "mirror", id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runMirror(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	quiet, _ := cmd.Flags().GetBool("quiet")
	noPGPCheck, _ := cmd.Flags().GetBool("no-pgp-check")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, cancel := signalContext()
	defer cancel()

	_, err := mirror.Run(ctx, config, args, noPGPCheck, quiet, dryRun)
	if err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("mirror run failed", "error", errorMsg)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		cancel()
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	config := mustLoadConfig(cmd)

	var validationErrors []error

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for _, mirrorID := range config.MirrorIDs() {
		mirrorConfig := config.Mirrors[mirrorID]
		if !mirror.IsValidID(mirrorID) {
			validationErrors = append(validationErrors, errors.New("invalid mirror ID: "+mirrorID))
		}
		if err := mirrorConfig.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "mirror \""+mirrorID+"\""))
			continue
		}
		req, err := mirrorConfig.Request(config)
		if err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "mirror \""+mirrorID+"\""))
			continue
		}
		if _, err := req.Validate(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "mirror \""+mirrorID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func runVerify(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	ctx, cancel := signalContext()
	defer cancel()

	failed := false
	for _, mirrorID := range selectMirrors(config, args) {
		root := filepath.Join(config.Dir, mirrorID)
		report, err := mirror.Verify(ctx, root, config.MaxConns)
		if err != nil {
			slog.Error("verify failed", "mirror", mirrorID, "error", formatError(err, verboseErrors))
			failed = true
			continue
		}

		fmt.Printf("Mirror '%s': %d files checked\n", mirrorID, report.Checked)
		for _, e := range report.Mismatches {
			fmt.Printf("  mismatch: %s (expected %s, got %s)\n", e.Path, e.Expected, e.Actual)
		}
		for _, p := range report.Orphans {
			fmt.Printf("  missing:  %s\n", p)
		}
		for _, p := range report.Corrupt {
			fmt.Printf("  corrupt:  %s\n", p)
		}
		if !report.OK() {
			failed = true
		}
	}

	if failed {
		cancel()
		os.Exit(1)
	}
}

func runTLSCheck(cmd *cobra.Command, args []string) {
	mirrorID := args[0]
	config := mustLoadConfig(cmd)

	mirrorConfig, ok := config.Mirrors[mirrorID]
	if !ok {
		fmt.Printf("Mirror '%s' not found in configuration.\n\n", mirrorID)
		fmt.Println("Available mirrors:")
		for _, id := range config.MirrorIDs() {
			fmt.Printf("  - %s\n", id)
		}
		os.Exit(1)
	}

	req, err := mirrorConfig.Request(config)
	if err != nil {
		slog.Error("invalid mirror configuration", "mirror", mirrorID, "error", err)
		os.Exit(1)
	}
	upstream, err := url.Parse(req.UpstreamURL)
	if err != nil {
		slog.Error("invalid upstream url", "mirror", mirrorID, "error", err)
		os.Exit(1)
	}

	host := upstream.Hostname()
	port := upstream.Port()
	if port == "" {
		if upstream.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	fmt.Printf("Checking TLS status for mirror '%s' (%s:%s)...\n\n", mirrorID, host, port)

	checkTLSVersions(config, host, port)
	checkCertificateDetails(config, host, port)

	fmt.Println("TLS check complete.")
}

func checkTLSVersions(config *mirror.Config, host, port string) {
	fmt.Println("[+] TLS Version Support:")

	tlsVersions := []struct {
		version uint16
		name    string
	}{
		{tls.VersionTLS10, "TLS 1.0"},
		{tls.VersionTLS11, "TLS 1.1"},
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	for _, tlsVer := range tlsVersions {
		tlsConf, err := config.TLS.BuildTLSConfig()
		if err != nil {
			fmt.Printf("    %s: Error building TLS config (%v)\n", tlsVer.name, err)
			continue
		}

		// Override version settings to test specific version
		tlsConf.MinVersion = tlsVer.version // #nosec G402 - probing old versions is the point
		tlsConf.MaxVersion = tlsVer.version

		conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
		if err != nil {
			fmt.Printf("    %s: Not Supported (%v)\n", tlsVer.name, err)
		} else {
			fmt.Printf("    %s: Supported\n", tlsVer.name)
			_ = conn.Close()
		}
	}
	fmt.Println()
}

func checkCertificateDetails(config *mirror.Config, host, port string) {
	fmt.Println("[+] Connection Details:")

	tlsConf, err := config.TLS.BuildTLSConfig()
	if err != nil {
		fmt.Printf("Error building TLS config: %v\n", err)
		return
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), tlsConf)
	if err != nil {
		fmt.Printf("Failed to establish connection: %v\n", err)
		return
	}
	defer conn.Close()

	connState := conn.ConnectionState()

	fmt.Printf("    Negotiated Version: %s\n", tls.VersionName(connState.Version))
	fmt.Printf("    Negotiated Cipher:  %s\n", tls.CipherSuiteName(connState.CipherSuite))
	fmt.Println()

	fmt.Println("[+] Server Certificate Chain:")
	for i, cert := range connState.PeerCertificates {
		fmt.Printf("    - Cert %d:\n", i)
		fmt.Printf("      Subject:  %s\n", cert.Subject.CommonName)
		fmt.Printf("      Issuer:   %s\n", cert.Issuer.CommonName)
		fmt.Printf("      Expires:  %s\n", cert.NotAfter.Format(time.RFC3339))
		if i < len(connState.PeerCertificates)-1 {
			fmt.Println()
		}
	}
	fmt.Println()
}

func runReleasesList(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)
	detailed, _ := cmd.Flags().GetBool("detailed")

	for _, mirrorID := range selectMirrors(config, args) {
		releases, err := mirror.ListReleases(filepath.Join(config.Dir, mirrorID))
		if err != nil {
			slog.Error("failed to list releases", "mirror", mirrorID, "error", formatError(err, verboseErrors))
			continue
		}

		fmt.Printf("Releases for mirror '%s':\n", mirrorID)
		if len(releases) == 0 {
			fmt.Println("  No releases found")
		}
		for _, r := range releases {
			channels := strings.Join(r.Channels, ", ")
			if detailed {
				fmt.Printf("  - %s [%s] %s (size: %d bytes, files: %d)\n",
					r.Date, channels, r.Status(), r.Size, r.FileCount)
			} else {
				fmt.Printf("  - %s [%s] %s\n", r.Date, channels, r.Status())
			}
		}
		fmt.Println()
	}
}

func runReleasesPrune(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	keepLast, _ := cmd.Flags().GetInt("keep-last")
	keepWithin, _ := cmd.Flags().GetString("keep-within")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if keepLast <= 0 && keepWithin == "" {
		slog.Error("at least one of --keep-last or --keep-within is required")
		os.Exit(1)
	}

	for _, mirrorID := range selectMirrors(config, args) {
		pruned, err := mirror.PruneReleases(filepath.Join(config.Dir, mirrorID), keepLast, keepWithin, dryRun)
		if err != nil {
			slog.Error("failed to prune releases", "mirror", mirrorID, "error", formatError(err, verboseErrors))
			continue
		}

		if dryRun {
			if len(pruned) > 0 {
				fmt.Printf("Would prune %d releases for mirror '%s':\n", len(pruned), mirrorID)
				for _, date := range pruned {
					fmt.Printf("  - %s\n", date)
				}
			} else {
				fmt.Printf("No releases would be pruned for mirror '%s'\n", mirrorID)
			}
			continue
		}

		if len(pruned) > 0 {
			slog.Info("pruned releases", "mirror", mirrorID, "count", len(pruned))
		} else {
			slog.Info("no releases pruned", "mirror", mirrorID)
		}
	}
}

func runExport(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	if config.Export.Bucket == "" {
		slog.Error("export.bucket is required for the export command")
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := export.NewS3Client(ctx, config.Export.Endpoint, config.Export.Region)
	if err != nil {
		slog.Error("failed to create S3 client", "error", formatError(err, verboseErrors))
		cancel()
		os.Exit(1)
	}

	failed := false
	for _, mirrorID := range selectMirrors(config, args) {
		prefix := path.Join(config.Export.Prefix, mirrorID)
		exporter := export.New(client, config.Export.Bucket, prefix, config.Export.Concurrency)

		stats, err := exporter.Export(ctx, filepath.Join(config.Dir, mirrorID))
		if err != nil {
			slog.Error("export failed", "mirror", mirrorID, "error", formatError(err, verboseErrors))
			failed = true
			continue
		}
		slog.Info("export done", "mirror", mirrorID, "bucket", config.Export.Bucket,
			"uploaded", stats.Uploaded, "skipped", stats.Skipped, "bytes", stats.Bytes)
	}

	if failed {
		cancel()
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
