package warden

import (
	"github.com/cilium/ebpf/asm"
	"github.com/sirupsen/logrus"
)

// ScalarRange is an inclusive contract on an unsigned 64-bit value.
type ScalarRange struct {
	Min, Max uint64
}

// VerifierSettings are the actual settings of a Verifier, VerifierOpts can
// change an instance of these settings.
type VerifierSettings struct {
	// AllowPtrLeaks permits operations that convert pointers into scalars,
	// notably subtraction of two pointers into the same region.
	AllowPtrLeaks bool
	// AllowPtrToMapArg permits passing pointers into map values as helper
	// memory arguments.
	AllowPtrToMapArg bool
	// RewriteDivByZero accepts division by a possibly-zero divisor on the
	// grounds that the host rewrites division with a zero check. The result
	// is an unknown scalar. When false such programs are rejected.
	RewriteDivByZero bool

	// MaxInsnVisits bounds the total number of instructions walked across
	// every branch.
	MaxInsnVisits int
	// MaxCallDepth bounds BPF-to-BPF call nesting.
	MaxCallDepth int
	// MaxStackDepth bounds the bytes used within one stack frame.
	MaxStackDepth int
	// MaxPendingBranches bounds the fork worklist.
	MaxPendingBranches int

	// Helpers declares the callable helper functions.
	Helpers map[asm.BuiltinFunc]HelperSig
	// Maps declares the maps the program may reference, by file descriptor.
	Maps map[int32]MapDef
	// MapsByName resolves symbolic map references of an *ebpf.ProgramSpec
	// to descriptors in Maps.
	MapsByName map[string]int32

	// Context describes the typed entry state of R1-R5.
	Context Context
	// ReturnRange is the contract on R0 at top-level exit, nil accepts any
	// scalar.
	ReturnRange *ScalarRange

	// Logger receives trace output. CaptureLog additionally retains the
	// trace on the Result.
	Logger     *logrus.Logger
	CaptureLog bool
}

// VerifierOpt is an option which can be used during the creation of a
// Verifier with the NewVerifier function.
type VerifierOpt func(*VerifierSettings)

// VerifierOptAllowPtrLeaks enables pointer-to-scalar conversions.
func VerifierOptAllowPtrLeaks() VerifierOpt {
	return func(s *VerifierSettings) { s.AllowPtrLeaks = true }
}

// VerifierOptRewriteDivByZero opts into the div-by-zero rewrite policy.
func VerifierOptRewriteDivByZero() VerifierOpt {
	return func(s *VerifierSettings) { s.RewriteDivByZero = true }
}

// VerifierOptBudget sets the instruction visit budget.
func VerifierOptBudget(visits int) VerifierOpt {
	return func(s *VerifierSettings) { s.MaxInsnVisits = visits }
}

// VerifierOptMap declares a map under the given file descriptor.
func VerifierOptMap(fd int32, def MapDef) VerifierOpt {
	return func(s *VerifierSettings) {
		s.Maps[fd] = def
		if def.Name != "" {
			s.MapsByName[def.Name] = fd
		}
	}
}

// VerifierOptHelper adds or replaces one helper signature.
func VerifierOptHelper(fn asm.BuiltinFunc, sig HelperSig) VerifierOpt {
	return func(s *VerifierSettings) { s.Helpers[fn] = sig }
}

// VerifierOptContext sets the entry context.
func VerifierOptContext(ctx Context) VerifierOpt {
	return func(s *VerifierSettings) { s.Context = ctx }
}

// VerifierOptReturnRange sets the contract on the program's return value.
func VerifierOptReturnRange(min, max uint64) VerifierOpt {
	return func(s *VerifierSettings) { s.ReturnRange = &ScalarRange{Min: min, Max: max} }
}

// VerifierOptLogger routes trace output to the given logger and captures it
// on the Result.
func VerifierOptLogger(logger *logrus.Logger) VerifierOpt {
	return func(s *VerifierSettings) {
		s.Logger = logger
		s.CaptureLog = true
	}
}

// Verifier decides whether eBPF programs are safe to execute under its
// configuration. A Verifier is stateless between calls, one instance may
// check any number of programs.
type Verifier struct {
	settings VerifierSettings
}

// NewVerifier creates a new verifier from the given options.
func NewVerifier(opts ...VerifierOpt) *Verifier {
	v := &Verifier{settings: VerifierSettings{
		AllowPtrToMapArg:   true,
		MaxInsnVisits:      1_000_000,
		MaxCallDepth:       8,
		MaxStackDepth:      stackSize,
		MaxPendingBranches: defaultPendingBranches(),
		Helpers:            DefaultHelpers(),
		Maps:               make(map[int32]MapDef),
		MapsByName:         make(map[string]int32),
	}}
	for _, opt := range opts {
		opt(&v.settings)
	}
	return v
}

// defaultPendingBranches derives the fork worklist cap from the machine's
// memory, staying within a fixed window either way.
func defaultPendingBranches() int {
	const fallback = 1 << 16
	mem := totalMemory()
	if mem == 0 {
		return fallback
	}
	n := int(mem / 16 / (64 * 1024))
	if n < 1024 {
		return 1024
	}
	if n > fallback {
		return fallback
	}
	return n
}

// Result is the verdict of one verification.
type Result struct {
	// Accepted is true when every reachable execution path exits cleanly.
	Accepted bool
	// Rejection holds the reason when Accepted is false.
	Rejection *Rejection

	// MaxStackDepth is the largest observed stack usage per subprogram.
	MaxStackDepth []int
	// ReachableInstructions counts the instruction slots the CFG pass
	// proved reachable.
	ReachableInstructions int
	// InsnsVisited counts abstract instruction executions across all
	// branches.
	InsnsVisited int
	// HelperUsage counts calls per helper across all paths.
	HelperUsage map[asm.BuiltinFunc]int
	// MapFDs lists the map descriptors the program references.
	MapFDs []int32
	// Log is the captured verifier trace, empty unless capture was enabled.
	Log string
}

// verification is the driver of one Verify call: the decoded program, the
// worklist of forked states and the accounting against the budgets.
type verification struct {
	settings  *VerifierSettings
	cfg       *programCFG
	log       *verifierLog
	pending   []*state
	visited   int
	helperUse map[asm.BuiltinFunc]int
	maxDepth  []int
}

// Verify checks a raw instruction stream: 8 bytes per instruction in host
// byte order.
func (v *Verifier) Verify(code []byte) *Result {
	log := newVerifierLog(v.settings.Logger, v.settings.CaptureLog)

	insns, rej := decodeProgram(code)
	if rej != nil {
		return rejectedResult(log, rej)
	}
	return v.verifyDecoded(log, insns)
}

func (v *Verifier) verifyDecoded(log *verifierLog, insns []inst) *Result {
	cfg, rej := buildCFG(insns)
	if rej != nil {
		return rejectedResult(log, rej)
	}

	vf := &verification{
		settings:  &v.settings,
		cfg:       cfg,
		log:       log,
		helperUse: make(map[asm.BuiltinFunc]int),
		maxDepth:  make([]int, len(cfg.subprogs)),
	}
	return vf.run()
}

func rejectedResult(log *verifierLog, rej *Rejection) *Result {
	log.infof("rejected: %v", rej)
	return &Result{Rejection: rej, Log: log.text()}
}

func (vf *verification) rejected(rej *Rejection) *Result {
	res := rejectedResult(vf.log, rej)
	res.InsnsVisited = vf.visited
	return res
}

func (vf *verification) run() *Result {
	st := newState()
	if ctx := vf.settings.Context; ctx != nil {
		if rej := ctx.load(st); rej != nil {
			return vf.rejected(rej)
		}
	}

	vf.pending = append(vf.pending, st)
	for len(vf.pending) > 0 {
		cur := vf.pending[len(vf.pending)-1]
		vf.pending = vf.pending[:len(vf.pending)-1]

		for {
			vf.visited++
			if vf.visited > vf.settings.MaxInsnVisits {
				return vf.rejected(rejectResource("instruction visit budget of %d exhausted", vf.settings.MaxInsnVisits).at(cur.pc))
			}
			done, rej := vf.step(cur)
			if rej != nil {
				return vf.rejected(rej)
			}
			if done {
				break
			}
		}
	}

	vf.log.infof("accepted after %d visited instructions", vf.visited)
	return &Result{
		Accepted:              true,
		MaxStackDepth:         vf.maxDepth,
		ReachableInstructions: vf.cfg.reachableCount,
		InsnsVisited:          vf.visited,
		HelperUsage:           vf.helperUse,
		MapFDs:                vf.cfg.mapFDs,
		Log:                   vf.log.text(),
	}
}

// pushBranch queues a forked state, bounded by the branch cap.
func (vf *verification) pushBranch(st *state) *Rejection {
	if len(vf.pending) >= vf.settings.MaxPendingBranches {
		return rejectResource("pending branch count exceeds %d", vf.settings.MaxPendingBranches)
	}
	vf.pending = append(vf.pending, st)
	return nil
}

func (vf *verification) noteStackDepth(subprog, depth int) {
	if subprog >= 0 && subprog < len(vf.maxDepth) && depth > vf.maxDepth[subprog] {
		vf.maxDepth[subprog] = depth
	}
}
