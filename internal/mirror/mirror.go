package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

const (
	httpRetries = 5

	// stagingDirName holds upstream manifests while they are checked.
	stagingDirName = ".staging"
)

var (
	validID = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// IsValidID checks if the given ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// State is the progress of one channel through a sync.
type State int

// Channel states, in order.  Failed may follow any of them.
const (
	StateValidating State = iota
	StateFetching
	StateFiltering
	StateVerifying
	StatePublishing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateFetching:
		return "fetching"
	case StateFiltering:
		return "filtering"
	case StateVerifying:
		return "verifying"
	case StatePublishing:
		return "publishing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ChannelResult is the outcome of syncing one channel.
type ChannelResult struct {
	Channel string
	State   State
	// Date is the release date of the published manifest.
	Date string

	Planned int
	Fetched int
	Current int
	// Missing counts planned artifacts without a matching local record.
	// It is only computed in dry-run mode.
	Missing int

	// Referenced are the local paths the channel depends on.
	Referenced map[string]bool

	Err error
}

// Report aggregates the channel results of one mirror.
type Report struct {
	Mirror   string
	Channels []ChannelResult
}

// Err joins the errors of every failed channel.
func (r *Report) Err() error {
	var errs []error
	for _, c := range r.Channels {
		if c.Err != nil {
			errs = append(errs, errors.Wrapf(c.Err, "%s: channel %s", r.Mirror, c.Channel))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Failed returns true if any channel failed.
func (r *Report) Failed() bool {
	for _, c := range r.Channels {
		if c.Err != nil {
			return true
		}
	}
	return false
}

// Mirror implements mirroring logics.
type Mirror struct {
	id         string
	dir        string
	mc         *MirrConfig
	scope      *Scope
	httpClient *HTTPClient
	cache      *HashCache
	publisher  *Publisher
	maxConns   int
	noPGPCheck bool
	quiet      bool
	dryRun     bool
}

// NewMirror constructs a Mirror for given mirror id.
//
// The configuration and request of the mirror are fully validated
// here; nothing is read from or written to disk.
func NewMirror(mirrorID string, config *Config, noPGPCheck, quiet, dryRun bool) (*Mirror, error) {
	mirrorConfig, ok := config.Mirrors[mirrorID]
	if !ok {
		return nil, errors.New("no such mirror: " + mirrorID)
	}

	// sanity checks
	if !IsValidID(mirrorID) {
		return nil, errors.New("invalid id: " + mirrorID)
	}
	if err := mirrorConfig.Check(); err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	req, err := mirrorConfig.Request(config)
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}
	scope, err := req.Validate()
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	httpClient, err := NewHTTPClient(config.MaxConns, mirrorID, config.RequestsPerSecond, config.Timeout, &config.TLS)
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	maxConns := config.MaxConns
	if maxConns < 1 {
		maxConns = defaultMaxConns
	}

	dir := filepath.Join(filepath.Clean(config.Dir), mirrorID)
	return &Mirror{
		id:         mirrorID,
		dir:        dir,
		mc:         mirrorConfig,
		scope:      scope,
		httpClient: httpClient,
		cache:      NewHashCache(dir, scope.Upstream, httpClient, mirrorID),
		publisher:  NewPublisher(dir, mirrorID, quiet),
		maxConns:   maxConns,
		noPGPCheck: noPGPCheck || mirrorConfig.NoPGPCheck,
		quiet:      quiet,
		dryRun:     dryRun,
	}, nil
}

// ID returns the mirror id.
func (m *Mirror) ID() string {
	return m.id
}

// Dir returns the mirror root.
func (m *Mirror) Dir() string {
	return m.dir
}

// Sync brings every channel of the mirror up to date.
//
// Channels are synced concurrently and independently: a failing
// channel does not stop the others.  The returned error joins every
// channel failure; the report is returned in any case.
func (m *Mirror) Sync(ctx context.Context) (*Report, error) {
	for _, w := range m.scope.Warnings {
		slog.Warn(w, "repo", m.id)
	}

	report := &Report{Mirror: m.id, Channels: make([]ChannelResult, len(m.scope.Channels))}

	var key *crypto.Key
	if !m.noPGPCheck {
		if m.mc.PGPKeyPath == "" {
			return report, errors.Newf("PGP verification is required for repo '%s', but 'pgp_key_path' is not set", m.id)
		}
		var err error
		key, err = loadVerificationKey(m.mc.PGPKeyPath)
		if err != nil {
			return report, errors.Wrap(err, m.id)
		}
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil { // #nosec G301 - mirror trees are served publicly
		return report, errors.Wrap(err, m.id)
	}
	staging := filepath.Join(m.dir, stagingDirName)
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			slog.Warn("failed to remove staging directory", "repo", m.id, "path", staging, "error", err)
		}
	}()

	var group errgroup.Group
	for i, ch := range m.scope.Channels {
		i, ch := i, ch
		group.Go(func() error {
			report.Channels[i] = m.syncChannel(ctx, ch, staging, key)
			return nil
		})
	}
	_ = group.Wait()

	if err := report.Err(); err != nil {
		return report, err
	}
	if !m.dryRun {
		slog.Info("update succeeded", "repo", m.id)
	}
	return report, nil
}

func (m *Mirror) syncChannel(ctx context.Context, ch dist.Channel, staging string, key *crypto.Key) (res ChannelResult) {
	res = ChannelResult{Channel: ch.ID, State: StateValidating}
	enter := func(s State) {
		res.State = s
		slog.Debug("channel state", "repo", m.id, "channel", ch.ID, "state", s)
	}
	defer func() {
		if res.Err != nil {
			slog.Error("channel failed", "repo", m.id, "channel", ch.ID, "state", res.State, "error", res.Err)
			res.State = StateFailed
		}
	}()

	enter(StateFetching)
	data, err := m.fetchManifest(ctx, ch, staging, key)
	if err != nil {
		res.Err = err
		return res
	}

	enter(StateFiltering)
	manifest, err := dist.ParseManifest(data)
	if err != nil {
		res.Err = errors.Wrap(err, ch.ManifestPath())
		return res
	}
	plan, err := FilterManifest(manifest, m.scope, m.scope.Upstream)
	if err != nil {
		res.Err = err
		return res
	}
	for _, w := range plan.Warnings {
		slog.Warn(w, "repo", m.id, "channel", ch.ID)
	}
	res.Planned = len(plan.Refs)
	res.Date, _ = manifest.Date()
	res.Referenced = plan.Paths()
	res.Referenced[ch.ManifestPath()] = true

	if m.dryRun {
		for _, ref := range plan.Refs {
			if !m.cache.IsCurrent(ref) {
				res.Missing++
			}
		}
		slog.Info("dry run", "repo", m.id, "channel", ch.ID, "date", res.Date, "artifacts", res.Planned, "missing", res.Missing)
		enter(StateDone)
		return res
	}

	enter(StateVerifying)
	fetched, current, err := m.ensureArtifacts(ctx, ch, plan.Refs)
	res.Fetched, res.Current = fetched, current
	if err != nil {
		res.Err = err
		return res
	}

	enter(StatePublishing)
	if err := m.publisher.Publish(manifest, ch); err != nil {
		res.Err = err
		return res
	}

	enter(StateDone)
	slog.Info("channel synced", "repo", m.id, "channel", ch.ID, "date", res.Date, "fetched", res.Fetched, "current", res.Current)
	return res
}

// fetchManifest downloads the upstream manifest of ch into staging and
// checks it against its published digest and, when enabled, its
// detached signature.
func (m *Mirror) fetchManifest(ctx context.Context, ch dist.Channel, staging string, key *crypto.Key) ([]byte, error) {
	rel := ch.ManifestPath()
	local, err := m.httpClient.Fetch(ctx, m.scope.Upstream, rel, staging)
	if err != nil {
		return nil, errors.Wrap(err, rel)
	}
	if _, err := m.httpClient.Fetch(ctx, m.scope.Upstream, dist.HashRecordPath(rel), staging); err != nil {
		return nil, errors.Wrap(err, dist.HashRecordPath(rel))
	}

	expected, ok := dist.ReadHashRecord(local)
	if !ok {
		return nil, errors.Newf("%s: empty hash file", dist.HashRecordPath(rel))
	}
	actual, ok := dist.FileDigest(local)
	if !ok {
		return nil, errors.Newf("%s: cannot read fetched manifest", rel)
	}
	if actual != expected {
		return nil, &IntegrityError{Path: local, Expected: expected, Actual: actual}
	}

	data, err := os.ReadFile(local) // #nosec G304 - staging path below the mirror root
	if err != nil {
		return nil, errors.Wrap(err, rel)
	}

	if key != nil {
		sigPath, err := m.httpClient.Fetch(ctx, m.scope.Upstream, rel+SignatureExt, staging)
		if err != nil {
			return nil, errors.Wrap(err, rel+SignatureExt)
		}
		sig, err := os.ReadFile(sigPath) // #nosec G304 - staging path below the mirror root
		if err != nil {
			return nil, errors.Wrap(err, rel+SignatureExt)
		}
		if err := verifyDetachedSignature(key, data, sig); err != nil {
			return nil, errors.Wrapf(err, "%s of repo '%s'", rel, m.id)
		}
		slog.Info("PGP signature for manifest is valid", "repo", m.id, "channel", ch.ID, "key_id", key.GetHexKeyID())
	}
	return data, nil
}

// ensureArtifacts runs EnsureCurrent for every ref.  The first failure
// cancels the remaining work of the channel.
func (m *Mirror) ensureArtifacts(ctx context.Context, ch dist.Channel, refs []ArtifactRef) (fetched, current int, err error) {
	var nFetched, nCurrent atomic.Int64

	var bar *pb.ProgressBar
	if !m.quiet && len(refs) > 0 {
		bar = pb.StartNew(len(refs))
		bar.Set("prefix", m.id+"/"+ch.ID+" ")
		defer bar.Finish()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConns)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			_, outcome, err := m.cache.EnsureCurrent(ctx, ref, m.quiet)
			if err != nil {
				return errors.Wrap(err, ref.Path)
			}
			if outcome == OutcomeFetched {
				nFetched.Add(1)
			} else {
				nCurrent.Add(1)
			}
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	err = g.Wait()
	return int(nFetched.Load()), int(nCurrent.Load()), err
}
