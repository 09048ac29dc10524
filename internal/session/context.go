// Package session implements the per-connection session context (C3,
// §4.3) and the client side of the upstream SCRAM-SHA-256 exchange. The
// bidirectional relay (C2) lives in internal/proxy.
package session

import (
	"sync/atomic"

	"github.com/cipherstash/pgproxy/internal/eql"
)

// PreparedStatement is the record created by Parse and consulted by Bind,
// Describe, and Execute (§3).
type PreparedStatement struct {
	Name       string
	SQL        string   // original statement text, as received
	ParamOIDs  []uint32 // declared on Parse, preserved verbatim

	// TypeChecked is false for statements that never touch columns (SET,
	// BEGIN, ...) — ParamConfigs/ProjConfigs are meaningless in that case.
	TypeChecked bool

	// ParamConfigs[i] / ProjConfigs[i] is nil for a native parameter or
	// projected column, non-nil for an encrypted one (§3).
	ParamConfigs []*eql.ColumnConfig
	ProjConfigs  []*eql.ColumnConfig
}

// Portal is the record created by Bind and consulted by Describe,
// Execute, and the backend rewriter on DataRow (§3).
type Portal struct {
	Name      string
	Statement string // prepared-statement name this portal is bound to

	// resultFormatCodes is set once at Bind and never mutated thereafter;
	// published through an atomic pointer so the backend task can read it
	// without a lock (§5, §9 "Concurrent per-session state").
	resultFormatCodes atomic.Pointer[[]int16]
}

// SetResultFormatCodes publishes the portal's result-column format codes.
// Called exactly once, by the frontend task, during Bind.
func (p *Portal) SetResultFormatCodes(codes []int16) {
	p.resultFormatCodes.Store(&codes)
}

// ResultFormatCodes returns the published format codes, or nil if Bind
// has not completed yet. Safe to call from either task.
func (p *Portal) ResultFormatCodes() []int16 {
	if v := p.resultFormatCodes.Load(); v != nil {
		return *v
	}
	return nil
}

// Context is the per-session store of prepared statements, portals, and
// the active keyset identifier (§4.3). It is owned by the frontend
// (client→server) task; only Portal's result-format-codes cell, the
// current-portal name, and the current simple-query projection are read
// from the backend task (§9 "Concurrent per-session state").
type Context struct {
	statements map[string]*PreparedStatement
	portals    map[string]*Portal
	keyset     eql.KeysetID

	// currentPortal names the portal most recently targeted by an
	// Execute message, so the backend task knows which statement's
	// ProjConfigs apply to the DataRow messages that follow.
	currentPortal atomic.Pointer[string]

	// simpleQueryProj holds the projection configs for the in-flight
	// simple-query ('Q') response, since simple queries have no portal.
	simpleQueryProj atomic.Pointer[[]*eql.ColumnConfig]
}

// NewContext creates an empty session context whose active keyset starts
// at defaultKeyset (the proxy's configured default) until a `SET
// cipherstash.keyset_id` verb changes it.
func NewContext(defaultKeyset eql.KeysetID) *Context {
	return &Context{
		statements: make(map[string]*PreparedStatement),
		portals:    make(map[string]*Portal),
		keyset:     defaultKeyset,
	}
}

// AddStatement inserts or replaces a prepared statement. The unnamed
// statement (name == "") replaces any prior occupant (§3).
func (c *Context) AddStatement(s *PreparedStatement) {
	c.statements[s.Name] = s
}

// GetStatement looks up a prepared statement by name.
func (c *Context) GetStatement(name string) (*PreparedStatement, bool) {
	s, ok := c.statements[name]
	return s, ok
}

// RemoveStatement evicts a prepared statement, e.g. on Close.
func (c *Context) RemoveStatement(name string) {
	delete(c.statements, name)
}

// AddPortal inserts or replaces a portal.
func (c *Context) AddPortal(p *Portal) {
	c.portals[p.Name] = p
}

// GetPortal looks up a portal by name.
func (c *Context) GetPortal(name string) (*Portal, bool) {
	p, ok := c.portals[name]
	return p, ok
}

// RemovePortal evicts a portal, e.g. on Close or Sync-after-exhaustion.
func (c *Context) RemovePortal(name string) {
	delete(c.portals, name)
}

// SetKeyset records the session's active keyset identifier, set by the
// `SET cipherstash.keyset_id = <uuid>` verb (§4.4 step 2).
func (c *Context) SetKeyset(id eql.KeysetID) {
	c.keyset = id
}

// CurrentKeyset returns the session's active keyset identifier: the
// default passed to NewContext until SetKeyset replaces it.
func (c *Context) CurrentKeyset() eql.KeysetID {
	return c.keyset
}

// SetCurrentPortal records the portal an Execute message just targeted.
func (c *Context) SetCurrentPortal(name string) {
	c.currentPortal.Store(&name)
}

// CurrentPortalProjConfigs returns the statement's ProjConfigs for the portal most
// recently Executed, or nil if none is known or the statement has none.
func (c *Context) CurrentPortalProjConfigs() []*eql.ColumnConfig {
	v := c.currentPortal.Load()
	if v == nil {
		return nil
	}
	portal, ok := c.GetPortal(*v)
	if !ok {
		return nil
	}
	stmt, ok := c.GetStatement(portal.Statement)
	if !ok {
		return nil
	}
	return stmt.ProjConfigs
}

// CurrentPortalResultFormatCodes returns the result format codes
// published at Bind for the portal most recently Executed, or nil if no
// portal is current or Bind hasn't completed yet.
func (c *Context) CurrentPortalResultFormatCodes() []int16 {
	v := c.currentPortal.Load()
	if v == nil {
		return nil
	}
	portal, ok := c.GetPortal(*v)
	if !ok {
		return nil
	}
	return portal.ResultFormatCodes()
}

// SetSimpleQueryProjection records the projection configs for an in-flight
// simple-query response.
func (c *Context) SetSimpleQueryProjection(cfgs []*eql.ColumnConfig) {
	c.simpleQueryProj.Store(&cfgs)
}

// SimpleQueryProjection returns the projection configs set by the most
// recent simple Query message.
func (c *Context) SimpleQueryProjection() []*eql.ColumnConfig {
	v := c.simpleQueryProj.Load()
	if v == nil {
		return nil
	}
	return *v
}
