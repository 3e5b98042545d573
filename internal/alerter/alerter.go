package alerter

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// maxSources bounds the per-digest table of blocked sources.
const maxSources = 20

// EventSource yields the mitigation events recorded after the first `seen`
// ones, oldest first, with the new total. mitigation.History implements it.
type EventSource interface {
	Since(seen uint64) ([]model.MitigationEvent, uint64)
}

// Alerter periodically summarizes new mitigation events and sends the
// summary through a notifier.
type Alerter struct {
	source        EventSource
	notifier      model.Notifier
	checkInterval time.Duration
	minEvents     int

	mu   sync.Mutex
	seen uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, source EventSource, notifier model.Notifier) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("alerter check_interval must be positive")
	}
	minEvents := cfg.MinEvents
	if minEvents <= 0 {
		minEvents = 1
	}

	return &Alerter{
		source:        source,
		notifier:      notifier,
		checkInterval: interval,
		minEvents:     minEvents,
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins the periodic digest evaluation in the background.
func (a *Alerter) Start() {
	slog.Info("Alerter started", "interval", a.checkInterval, "min_events", a.minEvents)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.Evaluate()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop ends the loop and sends a last digest of pending events.
func (a *Alerter) Stop() {
	a.stopOnce.Do(func() {
		slog.Info("Stopping Alerter...")
		close(a.stopChan)
		a.wg.Wait()
		a.Evaluate()
	})
}

// Evaluate sends a digest when at least minEvents new events were recorded
// since the last digest. It reports whether a digest was sent. Events stay
// pending when sending fails.
func (a *Alerter) Evaluate() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	events, total := a.source.Since(a.seen)
	if len(events) == 0 || len(events) < a.minEvents {
		return false
	}
	lost := total - a.seen - uint64(len(events))

	subject, body := Digest(events, lost)
	slog.Info("Alerter evaluation completed", "events", len(events), "lost", lost)

	if a.notifier == nil {
		a.seen = total
		return false
	}
	if err := a.notifier.Send(subject, RenderHTML(body)); err != nil {
		slog.Error("Failed to send mitigation digest", "error", err)
		return false
	}
	slog.Info("Mitigation digest sent successfully")
	a.seen = total
	return true
}

type sourceStat struct {
	device  model.DeviceID
	src     string
	targets map[string]bool
	count   int
	last    time.Time
}

// Digest builds the subject and the markdown body summarizing events. lost
// is the number of events that were evicted before they could be reported.
func Digest(events []model.MitigationEvent, lost uint64) (subject, body string) {
	outcomes := make(map[model.MitigationOutcome]int)
	devices := make(map[model.DeviceID]map[model.MitigationOutcome]int)
	sources := make(map[string]*sourceStat)
	var first, last time.Time
	var failures []model.MitigationEvent

	for _, ev := range events {
		outcomes[ev.Outcome]++
		if devices[ev.Device] == nil {
			devices[ev.Device] = make(map[model.MitigationOutcome]int)
		}
		devices[ev.Device][ev.Outcome]++

		key := fmt.Sprintf("%s|%s", ev.Device, ev.Rule.SrcIP)
		st, ok := sources[key]
		if !ok {
			st = &sourceStat{device: ev.Device, src: ev.Rule.SrcIP, targets: make(map[string]bool)}
			sources[key] = st
		}
		st.count++
		st.targets[ev.Rule.DstIP] = true
		if ev.Time.After(st.last) {
			st.last = ev.Time
		}

		if first.IsZero() || ev.Time.Before(first) {
			first = ev.Time
		}
		if ev.Time.After(last) {
			last = ev.Time
		}
		if ev.Outcome == model.OutcomeFailed {
			failures = append(failures, ev)
		}
	}

	subject = fmt.Sprintf("Go2FlowGuard Mitigation Summary (%d detections, %d rules installed)",
		len(events), outcomes[model.OutcomeInstalled])

	var b strings.Builder
	b.WriteString("# Go2FlowGuard Mitigation Summary\n\n")
	fmt.Fprintf(&b, "%d malicious flow detections between %s and %s.\n\n",
		len(events), first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
	if lost > 0 {
		fmt.Fprintf(&b, "**%d older detections were evicted before this summary.**\n\n", lost)
	}

	b.WriteString("## Devices\n\n")
	b.WriteString("| Device | Installed | Suppressed | Failed |\n")
	b.WriteString("|---|---|---|---|\n")
	ids := make([]model.DeviceID, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c := devices[id]
		fmt.Fprintf(&b, "| %s | %d | %d | %d |\n", id,
			c[model.OutcomeInstalled], c[model.OutcomeSuppressed], c[model.OutcomeFailed])
	}

	b.WriteString("\n## Top sources\n\n")
	b.WriteString("| Device | Source | Targets | Detections | Last seen |\n")
	b.WriteString("|---|---|---|---|---|\n")
	stats := make([]*sourceStat, 0, len(sources))
	for _, st := range sources {
		stats = append(stats, st)
	}
	slices.SortFunc(stats, func(x, y *sourceStat) int {
		if c := cmp.Compare(y.count, x.count); c != 0 {
			return c
		}
		if c := cmp.Compare(x.device, y.device); c != 0 {
			return c
		}
		return cmp.Compare(x.src, y.src)
	})
	if len(stats) > maxSources {
		stats = stats[:maxSources]
	}
	for _, st := range stats {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %s |\n", st.device, st.src, len(st.targets), st.count,
			st.last.UTC().Format(time.RFC3339))
	}

	if len(failures) > 0 {
		b.WriteString("\n## Failed installations\n\n")
		for _, ev := range failures {
			fmt.Fprintf(&b, "- device %s, %s -> %s: %s\n", ev.Device, ev.Rule.SrcIP, ev.Rule.DstIP, ev.Error)
		}
	}
	return subject, b.String()
}

// RenderHTML converts a markdown digest to the HTML sent by the notifier.
func RenderHTML(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	return string(markdown.ToHTML([]byte(md), p, renderer))
}
