package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/thliang01/marimo/internal/cell"
	"github.com/thliang01/marimo/internal/dataflow"
)

func mk(t *testing.T, code string) *cell.Cell {
	t.Helper()
	c, err := cell.Compile(cell.NewID(), code, cell.CompileOptions{})
	require.NoError(t, err)
	return c
}

func mkGraph(t *testing.T, cells ...*cell.Cell) *dataflow.Graph {
	t.Helper()
	g := dataflow.New()
	for _, c := range cells {
		require.NoError(t, g.Register(c))
	}
	return g
}

func num(t *testing.T, r *Runner, name string) int64 {
	t.Helper()
	v, ok := r.Value(name)
	require.True(t, ok, "no binding for %q", name)
	i, _ := v.AsBigFloat().Int64()
	return i
}

// runCounter counts executions per cell via runtime state transitions.
type runCounter struct {
	mu     sync.Mutex
	counts map[cell.ID]int
}

func newRunCounter() *runCounter {
	return &runCounter{counts: make(map[cell.ID]int)}
}

func (rc *runCounter) OnRuntimeStateChange(id cell.ID, state cell.RuntimeState) {
	if state != cell.StateRunning {
		return
	}
	rc.mu.Lock()
	rc.counts[id]++
	rc.mu.Unlock()
}

func (rc *runCounter) OnStaleChange(cell.ID, bool) {}

func (rc *runCounter) count(id cell.ID) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.counts[id]
}

func TestRunAll_ValuesFlowInTopologicalOrder(t *testing.T) {
	a := mk(t, "x = 1")
	b := mk(t, "y = x + 1")
	c := mk(t, "z = y * 10")
	r := New(mkGraph(t, b, c, a))

	result, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []cell.ID{a.ID, b.ID, c.ID}, result.Order)
	assert.EqualValues(t, 1, num(t, r, "x"))
	assert.EqualValues(t, 2, num(t, r, "y"))
	assert.EqualValues(t, 20, num(t, r, "z"))
	for _, id := range result.Order {
		assert.Equal(t, cell.StatusSuccess, result.Statuses[id])
	}
}

func TestRunAll_LastExpressionIsTheOutput(t *testing.T) {
	c := mk(t, "_base = 20\nanswer = _base * 2 + 2")
	r := New(mkGraph(t, c))

	result, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)

	out := result.Outputs[c.ID]
	i, _ := out.AsBigFloat().Int64()
	assert.EqualValues(t, 42, i)

	// The temporary never reaches the session namespace.
	_, leaked := r.Value("_base")
	assert.False(t, leaked)
}

func TestRunAll_ExceptionCancelsDescendantsOnly(t *testing.T) {
	failing := mk(t, `boom = jsondecode("{not json")`)
	child := mk(t, "y = boom + 1")
	sibling := mk(t, "ok = 7")
	r := New(mkGraph(t, failing, child, sibling))

	result, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err, "exceptions do not abort the run")

	assert.Equal(t, cell.StatusException, result.Statuses[failing.ID])
	assert.Equal(t, cell.StatusCancelled, result.Statuses[child.ID])
	assert.Equal(t, cell.StatusSuccess, result.Statuses[sibling.ID])
	assert.Error(t, result.FirstError)
	assert.EqualValues(t, 7, num(t, r, "ok"))
}

func TestRunAll_InvalidCellReportsAndCancelsDownstream(t *testing.T) {
	bad, cerr := cell.Compile(cell.NewID(), "x = (", cell.CompileOptions{})
	require.Error(t, cerr)
	ok := mk(t, "y = 1")
	r := New(mkGraph(t, bad, ok))

	result, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, cell.StatusMarimoError, result.Statuses[bad.ID])
	assert.Equal(t, cell.StatusSuccess, result.Statuses[ok.ID])
}

func TestRunAll_DisabledPropagation(t *testing.T) {
	producer := mk(t, "x = 1")
	consumer := mk(t, "y = x + 1")
	bystander := mk(t, "b = 5")
	g := mkGraph(t, producer, consumer, bystander)
	r := New(g)

	producer.Configure(context.Background(), map[string]any{"disabled": true})

	result, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, cell.StatusDisabled, result.Statuses[producer.ID])
	assert.Equal(t, cell.StatusDisabled, result.Statuses[consumer.ID])
	assert.Equal(t, cell.StatusSuccess, result.Statuses[bystander.ID])
	assert.Equal(t, cell.StateDisabledTransitively, consumer.RuntimeState())

	_, ran := r.Value("y")
	assert.False(t, ran)
}

func TestSetDisabled_ReEnableRunsStaleChain(t *testing.T) {
	producer := mk(t, "x = 1")
	consumer := mk(t, "y = x + 1")
	r := New(mkGraph(t, producer, consumer))
	ctx := context.Background()

	require.NoError(t, r.SetDisabled(ctx, producer.ID, true))
	_, err := r.RunAll(ctx, nil)
	require.NoError(t, err)
	_, ran := r.Value("x")
	require.False(t, ran)

	require.NoError(t, r.SetDisabled(ctx, producer.ID, false))
	assert.True(t, producer.Stale())
	assert.Equal(t, cell.StateIdle, consumer.RuntimeState())

	result, err := r.RunAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, cell.StatusSuccess, result.Statuses[producer.ID])
	assert.EqualValues(t, 2, num(t, r, "y"))
}

func TestSetDisabled_UnknownCell(t *testing.T) {
	r := New(mkGraph(t, mk(t, "x = 1")))

	err := r.SetDisabled(context.Background(), cell.ID("missing"), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not registered")

	var unbound *UnboundNameError
	assert.False(t, errors.As(err, &unbound),
		"an unregistered id is not an unresolved reference")
}

func TestRunAll_DeletionRemovesBinding(t *testing.T) {
	producer := mk(t, "x = 1")
	deleter := mk(t, `_ = del("x")`)
	r := New(mkGraph(t, producer, deleter))

	_, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)

	_, exists := r.Value("x")
	assert.False(t, exists)
}

func TestRunAll_UserFunctions(t *testing.T) {
	def := mk(t, `
def "double" {
  params = ["v"]
  result = v * 2
}
`)
	caller := mk(t, "y = double(21)")
	r := New(mkGraph(t, def, caller))

	_, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, num(t, r, "y"))
	assert.True(t, r.HasFunction("double"))
}

func TestRunAll_TemporaryFunctionsStayCellLocal(t *testing.T) {
	def := mk(t, `
def "_scale" {
  params = ["v"]
  result = v * 2
}
local = _scale(21)
`)
	caller := mk(t, "y = _scale(21)")
	r := New(mkGraph(t, def, caller))

	result, err := r.RunAll(context.Background(), nil)
	require.NoError(t, err)

	// The defining cell can call its own temporary.
	assert.EqualValues(t, 42, num(t, r, "local"))

	// Other cells cannot, regardless of registration order.
	assert.Equal(t, cell.StatusException, result.Statuses[caller.ID])
	_, bound := r.Value("y")
	assert.False(t, bound)
	assert.False(t, r.HasFunction("_scale"))
}

func TestRunAll_ImportBlockSkipsOnRerun(t *testing.T) {
	imports := mk(t, `np = import("numpy")`)
	consumer := mk(t, "v = np")
	g := mkGraph(t, imports, consumer)

	var resolved int
	r := New(g, WithModuleResolver(ModuleResolverFunc(
		func(_ context.Context, module string) (cty.Value, error) {
			resolved++
			return cty.ObjectVal(map[string]cty.Value{"module": cty.StringVal(module)}), nil
		})))

	ctx := context.Background()
	_, err := r.RunAll(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	// A second full run skips the satisfied, non-stale import block.
	result, err := r.RunAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, cell.StatusSuccess, result.Statuses[imports.ID])
}

func TestRunAll_QueryCellsBindRelations(t *testing.T) {
	q := mkQuery(t, "CREATE TABLE totals AS SELECT sum(v) FROM raw")
	r := New(mkGraph(t, q))

	result, err := r.RunAll(context.Background(), map[string]cty.Value{
		"raw": cty.ObjectVal(map[string]cty.Value{"table": cty.StringVal("raw")}),
	})
	require.NoError(t, err)
	require.Equal(t, cell.StatusSuccess, result.Statuses[q.ID])

	rel, ok := r.Value("totals")
	require.True(t, ok)
	assert.Equal(t, "totals", rel.GetAttr("table").AsString())
}

func mkQuery(t *testing.T, sql string) *cell.Cell {
	t.Helper()
	c, err := cell.CompileSource(cell.NewID(), cell.Query(sql), cell.CompileOptions{})
	require.NoError(t, err)
	return c
}

func TestInterrupt_AbandonsRemainder(t *testing.T) {
	sleeper := mk(t, "slept = sleep(5000)")
	after := mk(t, "w = slept + 1")
	r := New(mkGraph(t, sleeper, after))

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.Interrupt()
	}()

	result, err := r.RunAll(context.Background(), nil)
	require.Error(t, err)
	var interrupted *InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.True(t, result.Interrupted)
	assert.Equal(t, cell.StatusInterrupted, result.Statuses[sleeper.ID])
	assert.Equal(t, cell.StateIdle, after.RuntimeState())
	_, ran := r.Value("w")
	assert.False(t, ran)
}

func TestRunCell_DemandRunsDefinersExactlyOnce(t *testing.T) {
	producer := mk(t, "x = 1\nw = 2")
	consumer := mk(t, "y = x + w")
	r := New(mkGraph(t, producer, consumer))

	counter := newRunCounter()
	producer.SetObserver(counter)

	output, defs, err := r.RunCell(context.Background(), consumer.ID, nil)
	require.NoError(t, err)

	i, _ := output.AsBigFloat().Int64()
	assert.EqualValues(t, 3, i)
	assert.Contains(t, defs, "y")
	assert.Equal(t, 1, counter.count(producer.ID), "two refs, one definer, one run")
}

func TestRunCell_FreshValuesAreNotRecomputed(t *testing.T) {
	producer := mk(t, "x = 1")
	consumer := mk(t, "y = x + 1")
	r := New(mkGraph(t, producer, consumer))
	ctx := context.Background()

	_, err := r.RunAll(ctx, nil)
	require.NoError(t, err)

	counter := newRunCounter()
	producer.SetObserver(counter)

	_, _, err = r.RunCell(ctx, consumer.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, counter.count(producer.ID), "non-stale recorded value is reused")
}

func TestRunCell_StaleDefinerIsReRun(t *testing.T) {
	producer := mk(t, "x = 1")
	consumer := mk(t, "y = x + 1")
	r := New(mkGraph(t, producer, consumer))
	ctx := context.Background()

	_, err := r.RunAll(ctx, nil)
	require.NoError(t, err)

	producer.SetStale(true)
	counter := newRunCounter()
	producer.SetObserver(counter)

	_, _, err = r.RunCell(ctx, consumer.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.count(producer.ID))
}

func TestRunCell_OverridesWin(t *testing.T) {
	producer := mk(t, "x = 1")
	consumer := mk(t, "y = x + 1")
	r := New(mkGraph(t, producer, consumer))

	output, _, err := r.RunCell(context.Background(), consumer.ID,
		map[string]cty.Value{"x": cty.NumberIntVal(10)})
	require.NoError(t, err)

	i, _ := output.AsBigFloat().Int64()
	assert.EqualValues(t, 11, i)
	// The overridden name's definer never ran.
	_, ran := r.Value("x")
	assert.False(t, ran)
}

func TestRunCell_UnboundName(t *testing.T) {
	consumer := mk(t, "y = ghost + 1")
	r := New(mkGraph(t, consumer))

	_, _, err := r.RunCell(context.Background(), consumer.ID, nil)
	var unbound *UnboundNameError
	require.ErrorAs(t, err, &unbound)
	assert.Equal(t, "ghost", unbound.Name)
}

func TestMarkDirty_FlagsDescendants(t *testing.T) {
	a := mk(t, "x = 1")
	b := mk(t, "y = x + 1")
	c := mk(t, "unrelated = 0")
	r := New(mkGraph(t, a, b, c))
	ctx := context.Background()

	_, err := r.RunAll(ctx, nil)
	require.NoError(t, err)
	require.False(t, b.Stale())

	r.MarkDirty(a.ID)
	assert.True(t, a.Stale())
	assert.True(t, b.Stale())
	assert.False(t, c.Stale())
}
