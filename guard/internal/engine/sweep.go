package engine

import (
	"fmt"
	"log/slog"

	"github.com/hazyhaar/shortsguard/guard/dom"
	"github.com/hazyhaar/shortsguard/guard/policy"
	"github.com/hazyhaar/shortsguard/settings"
)

// Result summarises one sweep.
type Result struct {
	Candidates int
	Removed    []policy.Match
	Errors     int
}

func (r *Result) add(o Result) {
	r.Candidates += o.Candidates
	r.Removed = append(r.Removed, o.Removed...)
	r.Errors += o.Errors
}

// Sweep classifies root and its descendants that match the site's
// candidate kinds, silencing and removing every match. Only candidates are
// visited, never the whole subtree. When no rule of the site is enabled it
// returns at once. A failure on one candidate is counted and skipped.
func Sweep(root dom.Node, site *policy.Site, st settings.Settings, logger *slog.Logger) Result {
	var res Result
	if root == nil || site == nil || !site.Active(st) {
		return res
	}
	if logger == nil {
		logger = slog.Default()
	}

	candidates := []dom.Node{root}
	found, err := root.Find(site.CandidateSelector())
	if err != nil {
		logger.Debug("engine: candidate query failed", "site", site.ID, "error", err)
		res.Errors++
	}
	candidates = append(candidates, found...)

	for _, c := range candidates {
		m, removed, err := sweepOne(c, site, st, logger)
		if err != nil {
			logger.Debug("engine: candidate skipped", "site", site.ID, "error", err)
			res.Errors++
			continue
		}
		res.Candidates++
		if removed {
			res.Removed = append(res.Removed, m)
		}
	}
	return res
}

func sweepOne(n dom.Node, site *policy.Site, st settings.Settings, logger *slog.Logger) (m policy.Match, removed bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("engine: panic: %v", v)
		}
	}()

	// An ancestor removed earlier in this sweep takes its descendants along.
	if !n.Connected() {
		return policy.Match{}, false, nil
	}
	m, ok := site.Classify(n, st)
	if !ok {
		return policy.Match{}, false, nil
	}
	Silence(n, logger)
	if err := n.Remove(); err != nil {
		return policy.Match{}, false, fmt.Errorf("engine: remove %s: %w", m.Rule, err)
	}
	return m, true, nil
}

// Silence stops every audio and video element in root's subtree. A
// failure on one element is logged and does not affect the others.
func Silence(root dom.Node, logger *slog.Logger) {
	if root == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	media, err := safeMedia(root)
	if err != nil {
		logger.Debug("engine: media query failed", "error", err)
		return
	}
	for _, m := range media {
		if err := silenceOne(m); err != nil {
			logger.Debug("engine: silence failed", "error", err)
		}
	}
}

func safeMedia(root dom.Node) (media []dom.Media, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("engine: panic: %v", v)
		}
	}()
	return root.Media()
}

func silenceOne(m dom.Media) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("engine: panic: %v", v)
		}
	}()
	return m.Silence()
}
