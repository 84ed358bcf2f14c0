package cnn

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/najoast/stepwise/core"
	"github.com/najoast/stepwise/engine"
	"github.com/najoast/stepwise/fixed"
)

const serviceID core.ActorID = 1

func invoke(t *testing.T, h core.MessageHandler, data []byte) *core.Invocation {
	t.Helper()
	inv := core.NewInvocation(serviceID, &core.Message{Target: serviceID, Data: data}, 0)
	if err := h.HandleMessage(context.Background(), inv); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	return inv
}

// drain delivers data and every message the service sends itself until
// the outbox stays empty.
func drain(t *testing.T, h core.MessageHandler, data []byte) {
	t.Helper()
	queue := [][]byte{data}
	for len(queue) > 0 {
		inv := invoke(t, h, queue[0])
		queue = queue[1:]
		for _, msg := range inv.Outbox() {
			queue = append(queue, msg.Data)
		}
	}
}

func mustEncode(t *testing.T, kind engine.Kind, body any) []byte {
	t.Helper()
	data, err := engine.Encode(kind, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func decodeReply[T any](t *testing.T, inv *core.Invocation) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(inv.Response(), &v); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return v
}

// weight returns a small deterministic value for position i.
func weight(i int) fixed.Q32 {
	q, err := fixed.Q32FromRatio(int64((i*7919)%17-8), 32)
	if err != nil {
		panic(err)
	}
	return q
}

func vector(n, seed int) []fixed.Q32 {
	out := make([]fixed.Q32, n)
	for i := range out {
		out[i] = weight(seed + i)
	}
	return out
}

func testNorm(n, seed int) *Norm {
	norm := &Norm{
		Gamma:    make([]fixed.Q32, n),
		Beta:     vector(n, seed),
		Mean:     vector(n, seed+3),
		Variance: make([]fixed.Q32, n),
	}
	for i := 0; i < n; i++ {
		norm.Gamma[i], _ = fixed.Q32FromRatio(int64(8+i%3), 8)
		norm.Variance[i], _ = fixed.Q32FromRatio(int64(1+i%4), 2)
	}
	return norm
}

func testArch() Architecture {
	return Architecture{
		Height:   6,
		Width:    6,
		Channels: 2,
		Conv:     []ConvShape{{Kernel: 3, Filters: 3, Pool: 2}},
		Dense:    []DenseShape{{Outputs: 4, Norm: true}, {Outputs: 3}},
	}
}

// upload fills every weight of m through the chunked setters, filter and
// weight rows two at a time.
func upload(t *testing.T, m *Model) {
	t.Helper()
	seed := 0
	for i, l := range m.Conv {
		for r := 0; r < l.Rows(); r += 2 {
			end := min(r+2, l.Rows())
			rows := make([][]fixed.Q32, 0, end-r)
			for k := r; k < end; k++ {
				rows = append(rows, vector(l.OutChannels, seed))
				seed += l.OutChannels
			}
			if err := m.SetLayerFilters(i, rows, r); err != nil {
				t.Fatalf("SetLayerFilters: %v", err)
			}
		}
		if err := m.SetLayerNorm(i, vector(l.OutChannels, seed), testNorm(l.OutChannels, seed+1)); err != nil {
			t.Fatalf("SetLayerNorm: %v", err)
		}
		seed += 5
	}
	for i, l := range m.Dense {
		for r := 0; r < l.Inputs; r += 2 {
			end := min(r+2, l.Inputs)
			rows := make([][]fixed.Q32, 0, end-r)
			for k := r; k < end; k++ {
				rows = append(rows, vector(l.Outputs, seed))
				seed += l.Outputs
			}
			if err := m.SetDenseWeights(i, rows, r); err != nil {
				t.Fatalf("SetDenseWeights: %v", err)
			}
		}
		var norm *Norm
		if l.HasNorm {
			norm = testNorm(l.Outputs, seed+2)
		}
		if err := m.SetDenseBias(i, vector(l.Outputs, seed), norm); err != nil {
			t.Fatalf("SetDenseBias: %v", err)
		}
		seed += 7
	}
}

func testPixels(n int) []uint8 {
	px := make([]uint8, n)
	for i := range px {
		px[i] = uint8((i * 37) % 256)
	}
	return px
}

// reference evaluates m in float64 with the same layouts.
func reference(m *Model, pixels []uint8) []float64 {
	eps := float64(varianceEps) / (1 << 32)
	norm := func(n *Norm, c int, v float64) float64 {
		if n == nil {
			return v
		}
		return (v-n.Mean[c].Float64())/math.Sqrt(n.Variance[c].Float64()+eps)*n.Gamma[c].Float64() + n.Beta[c].Float64()
	}

	act := make([]float64, len(pixels))
	for i, p := range pixels {
		act[i] = float64(p) / 255
	}
	for _, l := range m.Conv {
		cout := l.OutChannels
		feat := make([]float64, l.ConH*l.ConW*cout)
		for y := 0; y < l.ConH; y++ {
			for x := 0; x < l.ConW; x++ {
				for f := 0; f < cout; f++ {
					sum := 0.0
					for ki := 0; ki < l.Kernel; ki++ {
						for kj := 0; kj < l.Kernel; kj++ {
							for ch := 0; ch < l.InChannels; ch++ {
								r := (ki*l.Kernel+kj)*l.InChannels + ch
								sum += act[((y+ki)*l.InW+x+kj)*l.InChannels+ch] * l.Filters[r*cout+f].Float64()
							}
						}
					}
					v := math.Max(0, sum+l.Bias[f].Float64())
					feat[(y*l.ConW+x)*cout+f] = norm(l.Norm, f, v)
				}
			}
		}
		next := make([]float64, l.OutH*l.OutW*cout)
		for py := 0; py < l.OutH; py++ {
			for px := 0; px < l.OutW; px++ {
				for f := 0; f < cout; f++ {
					best := math.Inf(-1)
					for dy := 0; dy < l.Pool; dy++ {
						for dx := 0; dx < l.Pool; dx++ {
							best = math.Max(best, feat[((py*l.Pool+dy)*l.ConW+px*l.Pool+dx)*cout+f])
						}
					}
					next[(py*l.OutW+px)*cout+f] = best
				}
			}
		}
		act = next
	}
	for k, l := range m.Dense {
		out := make([]float64, l.Outputs)
		for j := range out {
			sum := l.Bias[j].Float64()
			for i := 0; i < l.Inputs; i++ {
				sum += act[i] * l.Weights[i*l.Outputs+j].Float64()
			}
			if k < len(m.Dense)-1 {
				sum = math.Max(0, sum)
			}
			out[j] = norm(l.Norm, j, sum)
		}
		act = out
	}

	if len(act) == 1 {
		return []float64{1 / (1 + math.Exp(-act[0]))}
	}
	peak := math.Inf(-1)
	for _, v := range act {
		peak = math.Max(peak, v)
	}
	sum := 0.0
	probs := make([]float64, len(act))
	for i, v := range act {
		probs[i] = math.Exp(v - peak)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func TestNewModelShapes(t *testing.T) {
	m, err := NewModel(testArch())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	l := m.Conv[0]
	if l.Rows() != 18 || l.Cols() != 16 || l.OutH != 2 || l.OutW != 2 {
		t.Errorf("conv shape rows=%d cols=%d out=%dx%d", l.Rows(), l.Cols(), l.OutH, l.OutW)
	}
	if m.Dense[0].Inputs != 12 || m.Dense[1].Inputs != 4 || m.Outputs() != 3 {
		t.Errorf("dense shape %d -> %d -> %d", m.Dense[0].Inputs, m.Dense[1].Inputs, m.Outputs())
	}

	bad := []Architecture{
		{Height: 0, Width: 4, Channels: 1, Dense: []DenseShape{{Outputs: 1}}},
		{Height: 4, Width: 4, Channels: 1},
		{Height: 2, Width: 2, Channels: 1, Conv: []ConvShape{{Kernel: 3, Filters: 1}}, Dense: []DenseShape{{Outputs: 1}}},
		{Height: 3, Width: 3, Channels: 1, Conv: []ConvShape{{Kernel: 3, Filters: 1, Pool: 2}}, Dense: []DenseShape{{Outputs: 1}}},
		{Height: 4, Width: 4, Channels: 1, Dense: []DenseShape{{Outputs: 0}}},
	}
	for i, arch := range bad {
		if _, err := NewModel(arch); !errors.Is(err, engine.ErrShapeMismatch) {
			t.Errorf("arch %d: got %v, want ErrShapeMismatch", i, err)
		}
	}
}

func TestUploadShapeChecks(t *testing.T) {
	m, err := NewModel(testArch())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	tests := []struct {
		name string
		err  error
		fn   func() error
	}{
		{"short filter row", engine.ErrShapeMismatch, func() error {
			return m.SetLayerFilters(0, [][]fixed.Q32{vector(2, 0)}, 0)
		}},
		{"filter rows past the end", engine.ErrShapeMismatch, func() error {
			return m.SetLayerFilters(0, [][]fixed.Q32{vector(3, 0), vector(3, 0)}, 17)
		}},
		{"unknown conv layer", ErrUnknownLayer, func() error {
			return m.SetLayerFilters(1, [][]fixed.Q32{vector(3, 0)}, 0)
		}},
		{"bias length", engine.ErrShapeMismatch, func() error {
			return m.SetLayerNorm(0, vector(2, 0), nil)
		}},
		{"norm length", engine.ErrShapeMismatch, func() error {
			return m.SetLayerNorm(0, vector(3, 0), testNorm(2, 0))
		}},
		{"dense row width", engine.ErrShapeMismatch, func() error {
			return m.SetDenseWeights(0, [][]fixed.Q32{vector(3, 0)}, 0)
		}},
		{"unknown dense layer", ErrUnknownLayer, func() error {
			return m.SetDenseBias(2, vector(3, 0), nil)
		}},
		{"missing declared norm", engine.ErrShapeMismatch, func() error {
			return m.SetDenseBias(0, vector(4, 0), nil)
		}},
		{"undeclared norm", engine.ErrShapeMismatch, func() error {
			return m.SetDenseBias(1, vector(3, 0), testNorm(3, 0))
		}},
		{"incomplete model", ErrModelIncomplete, m.Complete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.err) {
				t.Fatalf("got %v, want %v", err, tt.err)
			}
		})
	}

	if m.Conv[0].Filters[0] != 0 {
		t.Fatalf("rejected chunk was applied")
	}
	upload(t, m)
	if err := m.Complete(); err != nil {
		t.Fatalf("Complete after upload: %v", err)
	}
}

func TestActivate(t *testing.T) {
	half, err := activate([]fixed.Q32{0})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := half[0].Float64(); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("sigmoid(0) = %v", got)
	}

	big, _ := fixed.Q32FromInt(20)
	sat, _ := activate([]fixed.Q32{big})
	if sat[0].Float64() != 1 {
		t.Errorf("sigmoid(20) = %s, want 1", sat[0])
	}
	neg, _ := big.Neg()
	low, _ := activate([]fixed.Q32{neg})
	if !low[0].IsZero() {
		t.Errorf("sigmoid(-20) = %s, want 0", low[0])
	}

	one, _ := fixed.Q32FromInt(1)
	probs, err := activate([]fixed.Q32{one, one, neg})
	if err != nil {
		t.Fatalf("softmax: %v", err)
	}
	if probs[0].Cmp(probs[1]) != 0 || !probs[2].IsZero() {
		t.Errorf("softmax = %v", probs)
	}
	if sum := probs[0].Float64() + probs[1].Float64(); math.Abs(sum-1) > 1e-12 {
		t.Errorf("softmax sums to %v", sum)
	}
}

func TestHintsFromNames(t *testing.T) {
	hints, err := HintsFromNames(map[string]int{"convolve": 50, "dense": 8})
	if err != nil {
		t.Fatalf("HintsFromNames: %v", err)
	}
	if hints[StageConvolve] != 50 || hints[StageDense] != 8 {
		t.Errorf("hints = %v", hints)
	}
	if _, err := HintsFromNames(map[string]int{"softmax": 1}); err == nil {
		t.Errorf("unknown stage accepted")
	}
	if _, err := HintsFromNames(map[string]int{"bias": 0}); !errors.Is(err, engine.ErrInvalidBatchSize) {
		t.Errorf("zero hint: got %v", err)
	}
	for _, name := range []string{"reshape", "next_layer", "flatten", "finish"} {
		if _, err := HintsFromNames(map[string]int{name: 4}); !errors.Is(err, engine.ErrInvalidBatchSize) {
			t.Errorf("hint for whole stage %s: got %v", name, err)
		}
	}
}

type visit struct {
	stage engine.Stage
	round int
	batch engine.Batch
}

func TestLayeredBatchCounts(t *testing.T) {
	arch := Architecture{
		Height:   24,
		Width:    24,
		Channels: 1,
		Conv:     []ConvShape{{Kernel: 3, Filters: 32, Pool: 2}, {Kernel: 3, Filters: 4, Pool: 2}},
		Dense:    []DenseShape{{Outputs: 8}, {Outputs: 1}},
	}
	m, err := NewModel(arch)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	upload(t, m)
	p, err := newPipeline(m, testPixels(m.InputSize()))
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	var visits []visit
	r := engine.NewRunner(DefaultHints(), nil)
	r.OnBatch = func(stage engine.Stage, round int, b engine.Batch) {
		visits = append(visits, visit{stage, round, b})
	}
	next, err := r.Start(engine.Unmetered{}, p)
	for err == nil && next != nil {
		next, err = r.Step(engine.Unmetered{}, *next)
	}
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	counts := make(map[visit]int)
	for _, v := range visits {
		counts[visit{stage: v.stage, round: v.round}]++
	}
	want := map[visit]int{
		{stage: StagePrepare}:              1,
		{stage: StageIm2Col}:               1,
		{stage: StageConvolve}:             3,
		{stage: StageBias}:                 2,
		{stage: StageNormalize}:            2,
		{stage: StageReshape}:              1,
		{stage: StagePool}:                 1,
		{stage: StageNextLayer}:            1,
		{stage: StageIm2Col, round: 1}:     1,
		{stage: StageConvolve, round: 1}:   1,
		{stage: StageBias, round: 1}:       1,
		{stage: StageNormalize, round: 1}:  1,
		{stage: StageReshape, round: 1}:    1,
		{stage: StagePool, round: 1}:       1,
		{stage: StageNextLayer, round: 1}:  1,
		{stage: StageFlatten}:              1,
		{stage: StageDense}:                1,
		{stage: StageDense, round: 1}:      1,
		{stage: StageFinish}:               1,
	}
	if len(counts) != len(want) {
		t.Errorf("visited %d stage rounds, want %d", len(counts), len(want))
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("%s round %d: %d batches, want %d", StageName(k.stage), k.round, counts[k], n)
		}
	}

	for i, v := range visits {
		if v.stage == StageNextLayer && v.round == 0 {
			after := visits[i+1]
			if after.stage != StageIm2Col || after.round != 1 || after.batch.Start != 0 {
				t.Errorf("after next_layer: %+v", after)
			}
		}
	}
	if got := visits[4].batch; got != (engine.Batch{Start: 400, End: 484}) {
		t.Errorf("last convolve batch %s, want [400,484)", got)
	}
	if !r.Done() || len(p.ws.Output) != 1 {
		t.Fatalf("done=%v output=%v", r.Done(), p.ws.Output)
	}
}

func configuredService(t *testing.T) (*Service, *Model) {
	t.Helper()
	s := NewService(ServiceOptions{Hints: engine.Hints{StageConvolve: 5, StageDense: 2, StagePrepare: 20}})
	invoke(t, s, mustEncode(t, KindConfigure, testArch()))

	m, err := NewModel(testArch())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	upload(t, m)
	for i, l := range m.Conv {
		rows := make([][]fixed.Q32, l.Rows())
		for r := range rows {
			rows[r] = l.Filters[r*l.OutChannels : (r+1)*l.OutChannels]
		}
		invoke(t, s, mustEncode(t, KindSetLayerFilters, SetLayerFilters{Layer: i, Rows: rows}))
		invoke(t, s, mustEncode(t, KindSetLayerNorm, SetLayerNorm{Layer: i, Bias: l.Bias, Norm: l.Norm}))
	}
	for i, l := range m.Dense {
		rows := make([][]fixed.Q32, l.Inputs)
		for r := range rows {
			rows[r] = l.Weights[r*l.Outputs : (r+1)*l.Outputs]
		}
		invoke(t, s, mustEncode(t, KindSetDenseWeights, SetDenseWeights{Layer: i, Rows: rows}))
		invoke(t, s, mustEncode(t, KindSetDenseBias, SetDenseBias{Layer: i, Bias: l.Bias, Norm: l.Norm}))
	}
	return s, m
}

func TestPredictMatchesReference(t *testing.T) {
	s, m := configuredService(t)
	pixels := testPixels(m.InputSize())

	drain(t, s, mustEncode(t, KindPredict, Predict{Pixels: pixels, Continue: true}))

	out := decodeReply[Output](t, invoke(t, s, mustEncode(t, KindOutput, nil)))
	if !out.Ready {
		t.Fatalf("output not ready: %+v", decodeReply[Progress](t, invoke(t, s, mustEncode(t, KindProgress, nil))))
	}
	want := reference(m, pixels)
	if len(out.Probabilities) != len(want) {
		t.Fatalf("%d probabilities, want %d", len(out.Probabilities), len(want))
	}
	for i, p := range out.Probabilities {
		if math.Abs(p.Float64()-want[i]) > 1e-6 {
			t.Errorf("class %d: %v, want %v", i, p.Float64(), want[i])
		}
	}

	p := decodeReply[Progress](t, invoke(t, s, mustEncode(t, KindProgress, nil)))
	if !p.Done() || p.Stage != "finish" {
		t.Errorf("progress = %+v", p)
	}
	// 72 pixels at 20, 16 columns at 5, then 4 and 3 neurons at 2.
	if wantBatches := 4 + 1 + 4 + 1 + 1 + 1 + 1 + 1 + 1 + 2 + 2 + 1; p.Batches != wantBatches {
		t.Errorf("batches = %d, want %d", p.Batches, wantBatches)
	}
}

func TestStepwiseStaleAndBusy(t *testing.T) {
	s, m := configuredService(t)

	inv := invoke(t, s, mustEncode(t, KindPredict, Predict{Pixels: testPixels(m.InputSize())}))
	if len(inv.Outbox()) != 0 {
		t.Fatalf("prediction without continue scheduled %d messages", len(inv.Outbox()))
	}

	busy := []struct {
		kind engine.Kind
		body any
	}{
		{KindConfigure, testArch()},
		{KindSetDenseBias, SetDenseBias{Layer: 1, Bias: vector(3, 0)}},
	}
	for _, b := range busy {
		inv := core.NewInvocation(serviceID, &core.Message{Data: mustEncode(t, b.kind, b.body)}, 0)
		if err := s.HandleMessage(context.Background(), inv); !errors.Is(err, ErrBusy) {
			t.Errorf("kind %d during prediction: got %v, want ErrBusy", b.kind, err)
		}
	}

	before := decodeReply[Progress](t, invoke(t, s, mustEncode(t, KindProgress, nil)))
	stale := engine.Step{Generation: before.Generation, Stage: before.Cursor.Stage, Round: before.Cursor.Round, Offset: before.Cursor.Offset + 1}
	invoke(t, s, stale.Encode())
	after := decodeReply[Progress](t, invoke(t, s, mustEncode(t, KindProgress, nil)))
	if after.Cursor != before.Cursor || after.Batches != before.Batches {
		t.Fatalf("stale step moved the cursor: %s -> %s", before.Cursor, after.Cursor)
	}

	// A step larger than the quantum fails and leaves the cursor in place.
	inv = invoke(t, s, mustEncode(t, KindResume, nil))
	step := inv.Outbox()[0].Data
	tight := core.NewInvocation(serviceID, &core.Message{Data: step}, 1)
	if err := s.HandleMessage(context.Background(), tight); !errors.Is(err, core.ErrQuantumExceeded) {
		t.Fatalf("tight quantum: got %v, want ErrQuantumExceeded", err)
	}
	if got := decodeReply[Progress](t, invoke(t, s, mustEncode(t, KindProgress, nil))); got.Cursor != before.Cursor {
		t.Fatalf("failed step moved the cursor to %s", got.Cursor)
	}

	for {
		inv := invoke(t, s, mustEncode(t, KindResume, nil))
		if len(inv.Outbox()) == 0 {
			break
		}
		invoke(t, s, inv.Outbox()[0].Data)
	}
	if out := decodeReply[Output](t, invoke(t, s, mustEncode(t, KindOutput, nil))); !out.Ready {
		t.Fatalf("prediction did not finish")
	}
	invoke(t, s, mustEncode(t, KindConfigure, testArch()))
}

func TestSnapshotRestoreResumes(t *testing.T) {
	s, m := configuredService(t)
	pixels := testPixels(m.InputSize())

	invoke(t, s, mustEncode(t, KindPredict, Predict{Pixels: pixels}))
	for i := 0; i < 8; i++ {
		inv := invoke(t, s, mustEncode(t, KindResume, nil))
		invoke(t, s, inv.Outbox()[0].Data)
	}
	snap := invoke(t, s, mustEncode(t, KindSnapshot, nil)).Response()

	restored := NewService(ServiceOptions{Hints: engine.Hints{StageConvolve: 5, StageDense: 2, StagePrepare: 20}})
	invoke(t, restored, mustEncode(t, KindRestore, json.RawMessage(snap)))
	if p := decodeReply[Progress](t, invoke(t, restored, mustEncode(t, KindProgress, nil))); p.Done() || p.Batches != 9 {
		t.Fatalf("restored progress = %+v", p)
	}
	drain(t, restored, mustEncode(t, KindResume, Resume{Continue: true}))
	drain(t, s, mustEncode(t, KindResume, Resume{Continue: true}))

	got := decodeReply[Output](t, invoke(t, restored, mustEncode(t, KindOutput, nil)))
	want := decodeReply[Output](t, invoke(t, s, mustEncode(t, KindOutput, nil)))
	if !got.Ready || len(got.Probabilities) != len(want.Probabilities) {
		t.Fatalf("restored output = %+v", got)
	}
	for i := range want.Probabilities {
		if got.Probabilities[i] != want.Probabilities[i] {
			t.Errorf("class %d: %s, want %s", i, got.Probabilities[i], want.Probabilities[i])
		}
	}
}

func TestRestoreRejectsMismatchedWorkspace(t *testing.T) {
	s, m := configuredService(t)
	invoke(t, s, mustEncode(t, KindPredict, Predict{Pixels: testPixels(m.InputSize())}))
	st := s.snapshot()
	ws := *st.Workspace
	ws.Cols = [][]fixed.Q32{ws.Cols[0][:3]}
	st.Workspace = &ws

	inv := core.NewInvocation(serviceID, &core.Message{Data: mustEncode(t, KindRestore, st)}, 0)
	if err := s.HandleMessage(context.Background(), inv); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Fatalf("got %v, want ErrShapeMismatch", err)
	}
}

func TestServiceOnHost(t *testing.T) {
	sys := core.NewActorSystem(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})

	s, m := configuredService(t)
	actor, err := sys.NewService("cnn", s, core.ActorOptions{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	pixels := testPixels(m.InputSize())
	if err := sys.Send(core.NoActor, actor.ID(), mustEncode(t, KindPredict, Predict{Pixels: pixels, Continue: true})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sys.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	data, err := sys.Call(ctx, actor.ID(), mustEncode(t, KindOutput, nil))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	want := reference(m, pixels)
	if !out.Ready || len(out.Probabilities) != len(want) {
		t.Fatalf("output = %+v", out)
	}
}

func TestUploadCommandsConfigureService(t *testing.T) {
	m, err := NewModel(testArch())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	upload(t, m)
	doc, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("encode model: %v", err)
	}
	decoded, err := DecodeModel(doc)
	if err != nil {
		t.Fatalf("DecodeModel: %v", err)
	}

	cmds, err := UploadCommands(decoded, 5)
	if err != nil {
		t.Fatalf("UploadCommands: %v", err)
	}
	// configure, 4 filter chunks + norm, 3 weight chunks + bias, 1 chunk + bias
	if len(cmds) != 1+5+4+2 {
		t.Errorf("%d commands", len(cmds))
	}

	s := NewService(ServiceOptions{})
	for _, c := range cmds {
		invoke(t, s, c)
	}
	pixels := testPixels(m.InputSize())
	drain(t, s, mustEncode(t, KindPredict, Predict{Pixels: pixels, Continue: true}))
	out := decodeReply[Output](t, invoke(t, s, mustEncode(t, KindOutput, nil)))
	want := reference(m, pixels)
	for i, p := range out.Probabilities {
		if math.Abs(p.Float64()-want[i]) > 1e-6 {
			t.Errorf("class %d: %v, want %v", i, p.Float64(), want[i])
		}
	}

	if _, err := UploadCommands(decoded, 0); !errors.Is(err, engine.ErrInvalidBatchSize) {
		t.Errorf("zero rows: got %v", err)
	}
	empty, _ := NewModel(testArch())
	if _, err := UploadCommands(empty, 4); !errors.Is(err, ErrModelIncomplete) {
		t.Errorf("incomplete model: got %v", err)
	}
}
