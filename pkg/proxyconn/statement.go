package proxyconn

import (
	"sync"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// PreparedStatement is the proxy's record of one named (or unnamed)
// Parse: the rewritten SQL actually sent upstream plus the inferred
// types needed to encrypt/decrypt around it.
type PreparedStatement struct {
	Name      string
	Checked   *eqlmapper.CheckedStatement
	Rewritten string // SQL text actually sent to the server
}

// decryptPlan derives the per-projected-column decrypt plan from this
// statement's inferred projection, used by the server->client pump to
// know which DataRow fields carry an EQL payload.
func (s *PreparedStatement) decryptPlan() []eqlTypeSlot {
	if s == nil || s.Checked == nil {
		return nil
	}
	plan := make([]eqlTypeSlot, len(s.Checked.Projection.Items))
	for i, item := range s.Checked.Projection.Items {
		if _, ok := item.Type.(eqlmapper.EqlType); ok {
			plan[i] = item.Type
		}
	}
	return plan
}

// Portal is the proxy's record of one named (or unnamed) Bind,
// referencing the statement it was bound from.
type Portal struct {
	Name          string
	StatementName string
}

// statementTable tracks prepared statements and portals for one
// connection, keyed by name ("" is the unnamed statement/portal, valid
// per protocol until redefined). The client pump registers entries
// while the server pump invalidates them on the idle transition, so
// every accessor takes the mutex; the entries themselves are immutable
// once stored.
type statementTable struct {
	mu         sync.Mutex
	statements map[string]*PreparedStatement
	portals    map[string]*Portal
}

func newStatementTable() *statementTable {
	return &statementTable{
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
	}
}

func (t *statementTable) putStatement(s *PreparedStatement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statements[s.Name] = s
}

func (t *statementTable) statement(name string) (*PreparedStatement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statements[name]
	return s, ok
}

func (t *statementTable) closeStatement(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statements, name)
}

func (t *statementTable) putPortal(p *Portal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.portals[p.Name] = p
}

func (t *statementTable) portal(name string) (*Portal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.portals[name]
	return p, ok
}

func (t *statementTable) closePortal(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.portals, name)
}

// invalidateUnnamed clears the unnamed statement and portal, which do
// not survive a transition back to idle.
func (t *statementTable) invalidateUnnamed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statements, "")
	delete(t.portals, "")
}

// invalidateAllPortals clears every portal on the idle transition,
// alongside the unnamed statement.
func (t *statementTable) invalidateAllPortals() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.portals {
		delete(t.portals, k)
	}
}
