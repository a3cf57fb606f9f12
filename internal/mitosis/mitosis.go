// Package mitosis implements the two-phase context-exhaustion handoff. A
// Cell tracks the current process incarnation; past the prepare threshold the
// controller distills a compact DNA summary, and past the handoff threshold
// it spawns a successor seeded with that DNA.
package mitosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/masclabs/masc/internal/storage"
)

// Thresholds on context_ratio in [0, 1].
const (
	PrepareThreshold = 0.5
	HandoffThreshold = 0.8
)

// defaultSpawnTimeout bounds the successor launch.
const defaultSpawnTimeout = 2 * time.Minute

// dnaMaxLen caps the distilled summary embedded in the successor prompt.
const dnaMaxLen = 4000

// Cell phases.
const (
	PhaseInfant    = "infant"
	PhaseMature    = "mature"
	PhasePreparing = "preparing"
	PhaseDividing  = "dividing"
)

// Cell states.
const (
	StateAlive = "alive"
	StateDead  = "dead"
)

// Cell is the handoff state of one process incarnation.
type Cell struct {
	Generation    int        `json:"generation"`
	BornAt        time.Time  `json:"born_at"`
	TaskCount     int        `json:"task_count"`
	ToolCallCount int        `json:"tool_call_count"`
	Phase         string     `json:"phase"`
	State         string     `json:"state"`
	PreparedDNA   string     `json:"prepared_dna,omitempty"`
	DiedAt        *time.Time `json:"died_at,omitempty"`
}

// SpawnFunc launches a successor process seeded with the given prompt.
type SpawnFunc func(ctx context.Context, prompt string) error

// ShouldPrepare reports whether the ratio has crossed the prepare threshold.
func ShouldPrepare(ratio float64) bool { return ratio >= PrepareThreshold }

// ShouldHandoff reports whether the ratio has crossed the handoff threshold.
func ShouldHandoff(ratio float64) bool { return ratio >= HandoffThreshold }

// Options tunes a Controller.
type Options struct {
	// Node names this process in persisted status records.
	Node string

	// SpawnCommand, when set, is the default spawn function: the command
	// runs with the successor prompt on stdin.
	SpawnCommand []string

	// SpawnTimeout bounds spawn execution.
	SpawnTimeout time.Duration

	// StemCells are pre-built prompt templates consulted at spawn; the
	// first one becomes the successor scaffold.
	StemCells []string
}

// Controller owns the current cell and persists its status under
// mitosis:<node> so observers can read contextual health without a tool
// call.
type Controller struct {
	store storage.Backend
	opts  Options
	now   func() time.Time

	mu   sync.Mutex
	cell Cell
}

// New builds a controller, resuming the node's lineage from the persisted
// cell record. A successor starting after a division picks up the dead
// parent's generation plus one; a fresh node starts at generation 0.
func New(ctx context.Context, store storage.Backend, opts Options) *Controller {
	if opts.Node == "" {
		opts.Node = "default"
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}
	c := &Controller{
		store: store,
		opts:  opts,
		now:   time.Now,
	}
	generation := 0
	if prev, ok, err := Status(ctx, store, opts.Node); err == nil && ok {
		if prev.State == StateDead {
			generation = prev.Generation + 1
		} else {
			generation = prev.Generation
		}
	}
	c.cell = Cell{
		Generation: generation,
		BornAt:     c.now(),
		Phase:      PhaseInfant,
		State:      StateAlive,
	}
	c.persist(ctx)
	return c
}

// Cell returns a copy of the current cell.
func (c *Controller) Cell() Cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cell
}

// RecordActivity counts one tool call (and optionally one task) against the
// cell. The dispatch router calls this on every tool invocation.
func (c *Controller) RecordActivity(ctx context.Context, task bool) {
	c.mu.Lock()
	c.cell.ToolCallCount++
	if task {
		c.cell.TaskCount++
	}
	if c.cell.Phase == PhaseInfant && c.cell.ToolCallCount >= 10 {
		c.cell.Phase = PhaseMature
	}
	c.mu.Unlock()
	c.persist(ctx)
}

// PrepareForDivision distills DNA from the full context and moves the cell
// to Preparing. Idempotent once DNA is set.
func (c *Controller) PrepareForDivision(ctx context.Context, fullContext string) Cell {
	c.mu.Lock()
	if c.cell.PreparedDNA == "" {
		c.cell.PreparedDNA = distillDNA(fullContext)
		c.cell.Phase = PhasePreparing
		slog.Info("mitosis.prepared", "generation", c.cell.Generation, "dna_len", len(c.cell.PreparedDNA))
	}
	cell := c.cell
	c.mu.Unlock()
	c.persist(ctx)
	return cell
}

// ExecuteMitosis spawns the successor and installs the next-generation cell
// as the controller's current cell, so the lineage survives the division.
// The dead parent is recorded in a handover document and in the persisted
// node record before the child replaces it; a spawn error leaves the parent
// alive and Preparing so the handoff can retry.
func (c *Controller) ExecuteMitosis(ctx context.Context, fullContext, currentTask string, spawn SpawnFunc) (Cell, error) {
	c.PrepareForDivision(ctx, fullContext)

	c.mu.Lock()
	c.cell.Phase = PhaseDividing
	parent := c.cell
	c.mu.Unlock()
	c.persist(ctx)

	prompt := c.successorPrompt(parent, currentTask)
	if spawn == nil {
		spawn = c.defaultSpawn
	}
	spawnCtx, cancel := context.WithTimeout(ctx, c.opts.SpawnTimeout)
	defer cancel()
	if err := spawn(spawnCtx, prompt); err != nil {
		c.mu.Lock()
		c.cell.Phase = PhasePreparing
		c.mu.Unlock()
		c.persist(ctx)
		return Cell{}, fmt.Errorf("spawn successor: %w", err)
	}

	now := c.now()
	child := Cell{
		Generation: parent.Generation + 1,
		BornAt:     now,
		Phase:      PhaseInfant,
		State:      StateAlive,
	}
	parent.State = StateDead
	parent.DiedAt = &now
	c.mu.Lock()
	c.cell = parent
	c.mu.Unlock()
	// Persist the dead parent first: a successor that restarts from the
	// node record before the child is installed still resumes at
	// generation+1.
	c.persist(ctx)
	c.recordHandover(ctx, parent, child, currentTask)
	c.mu.Lock()
	c.cell = child
	c.mu.Unlock()
	c.persist(ctx)
	slog.Info("mitosis.divided", "parent_generation", parent.Generation, "child_generation", child.Generation)
	return child, nil
}

// Handover is the audit record of one completed division.
type Handover struct {
	ID               string    `json:"id"`
	Node             string    `json:"node"`
	ParentGeneration int       `json:"parent_generation"`
	ChildGeneration  int       `json:"child_generation"`
	Task             string    `json:"task,omitempty"`
	DNA              string    `json:"dna,omitempty"`
	At               time.Time `json:"at"`
}

// recordHandover writes the division audit record. Best effort; a lost
// record never fails the handoff itself.
func (c *Controller) recordHandover(ctx context.Context, parent, child Cell, task string) {
	h := Handover{
		ID:               uuid.NewString(),
		Node:             c.opts.Node,
		ParentGeneration: parent.Generation,
		ChildGeneration:  child.Generation,
		Task:             task,
		DNA:              parent.PreparedDNA,
		At:               c.now(),
	}
	data, err := json.Marshal(h)
	if err == nil {
		err = c.store.Set(ctx, "handovers:"+h.ID, string(data))
	}
	if err != nil {
		slog.Warn("mitosis.handover_record_failed", "error", err)
	}
}

// CheckResult is the outcome of a memento_mori call.
type CheckResult struct {
	Status     string `json:"status"` // continue | prepared | divided
	Cell       Cell   `json:"cell"`
	Generation int    `json:"generation"`
}

// MementoMori combines check, prepare, and handoff in one call from the
// agent side.
func (c *Controller) MementoMori(ctx context.Context, ratio float64, fullContext, currentTask string, spawn SpawnFunc) (CheckResult, error) {
	switch {
	case ShouldHandoff(ratio):
		child, err := c.ExecuteMitosis(ctx, fullContext, currentTask, spawn)
		if err != nil {
			return CheckResult{}, err
		}
		return CheckResult{Status: "divided", Cell: child, Generation: child.Generation}, nil
	case ShouldPrepare(ratio):
		cell := c.PrepareForDivision(ctx, fullContext)
		return CheckResult{Status: "prepared", Cell: cell, Generation: cell.Generation}, nil
	default:
		cell := c.Cell()
		return CheckResult{Status: "continue", Cell: cell, Generation: cell.Generation}, nil
	}
}

// successorPrompt builds the prompt handed to the spawned process.
func (c *Controller) successorPrompt(parent Cell, currentTask string) string {
	var b strings.Builder
	if len(c.opts.StemCells) > 0 {
		b.WriteString(c.opts.StemCells[0])
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are generation %d, successor of a context-exhausted predecessor.\n", parent.Generation+1)
	if currentTask != "" {
		fmt.Fprintf(&b, "Current task: %s\n", currentTask)
	}
	if parent.PreparedDNA != "" {
		b.WriteString("Inherited context summary:\n")
		b.WriteString(parent.PreparedDNA)
		b.WriteString("\n")
	}
	return b.String()
}

// defaultSpawn runs the configured spawn command with the prompt on stdin.
func (c *Controller) defaultSpawn(ctx context.Context, prompt string) error {
	if len(c.opts.SpawnCommand) == 0 {
		return fmt.Errorf("no spawn command configured")
	}
	cmd := exec.CommandContext(ctx, c.opts.SpawnCommand[0], c.opts.SpawnCommand[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("spawn command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// distillDNA compresses the full context into a bounded summary. The head
// and tail are kept; the middle is elided.
func distillDNA(fullContext string) string {
	s := strings.TrimSpace(fullContext)
	if len(s) <= dnaMaxLen {
		return s
	}
	half := dnaMaxLen / 2
	head := half
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - half
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + "\n[... elided ...]\n" + s[tail:]
}

/// persist writes the cell under mitosis:<node>. Failures are logged, never
// fatal: the in-memory cell is authoritative.
func (c *Controller) persist(ctx context.Context) {
	c.mu.Lock()
	cell := c.cell
	c.mu.Unlock()
	raw, err := json.Marshal(cell)
	if err != nil {
		slog.Warn("mitosis.encode_failed", "error", err)
		return
	}
	if err := c.store.Set(ctx, "mitosis:"+c.opts.Node, string(raw)); err != nil {
		slog.Warn("mitosis.persist_failed", "node", c.opts.Node, "error", err)
	}
}

// Status reads the persisted cell for a node.
func Status(ctx context.Context, store storage.Backend, node string) (Cell, bool, error) {
	raw, ok, err := store.Get(ctx, "mitosis:"+node)
	if err != nil || !ok {
		return Cell{}, false, err
	}
	var cell Cell
	if err := json.Unmarshal([]byte(raw), &cell); err != nil {
		return Cell{}, false, fmt.Errorf("decode cell: %w", err)
	}
	return cell, true, nil
}

// FleetStatus reads every persisted cell keyed by node.
func FleetStatus(ctx context.Context, store storage.Backend) (map[string]Cell, error) {
	entries, err := store.GetAll(ctx, "mitosis:")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Cell, len(entries))
	for _, ent := range entries {
		var cell Cell
		if err := json.Unmarshal([]byte(ent.Value), &cell); err != nil {
			slog.Warn("mitosis.decode_failed", "key", ent.Key, "error", err)
			continue
		}
		out[strings.TrimPrefix(ent.Key, "mitosis:")] = cell
	}
	return out, nil
}
