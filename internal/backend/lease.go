package backend

import (
	"fmt"

	"github.com/dvelle/scanout/internal/logger"

	"golang.org/x/sys/unix"
)

// LeaseOutput is a non-desktop output that exists only to be leased to
// an external client (VR compositors and the like). Its pipeline stays
// inactive while unleased.
type LeaseOutput struct {
	connector *Connector
	pipeline  *Pipeline
	lease     *Lease // nil while unleased
}

func newLeaseOutput(pipeline *Pipeline) *LeaseOutput {
	return &LeaseOutput{
		connector: pipeline.connector,
		pipeline:  pipeline,
	}
}

func (lo *LeaseOutput) Name() string {
	return lo.connector.Name()
}

func (lo *LeaseOutput) Connector() *Connector {
	return lo.connector
}

// Leased reports whether an external client currently holds this
// output.
func (lo *LeaseOutput) Leased() bool {
	return lo.lease != nil
}

// Lease is an external client's exclusive claim on a set of hardware
// objects, backed by a kernel lease fd.
type Lease struct {
	fd      int
	lessee  uint32
	outputs []*LeaseOutput
}

// Fd is the kernel lease file descriptor, -1 once it has been handed
// off to a client.
func (l *Lease) Fd() int {
	return l.fd
}

// ReleaseFd transfers ownership of the lease fd to the caller and
// marks it consumed, so a later revoke does not close a descriptor
// number somebody else may have been handed in the meantime. Returns
// -1 if the fd was already released.
func (l *Lease) ReleaseFd() int {
	fd := l.fd
	l.fd = -1
	return fd
}

// LesseeID is the kernel's identifier for this lease.
func (l *Lease) LesseeID() uint32 {
	return l.lessee
}

// Outputs lists the lease outputs covered by this lease.
func (l *Lease) Outputs() []*LeaseOutput {
	return l.outputs
}

// RequestLease grants an exclusive hardware lease covering the given
// non-desktop connectors. Every requested connector must be known,
// lease-eligible and currently unleased, otherwise the request is
// denied with no state change.
func (g *GPU) RequestLease(connectorIDs []uint32) (*Lease, error) {
	var outputs []*LeaseOutput
	var objects []uint32
	for _, id := range connectorIDs {
		lo := g.findLeaseOutput(id)
		if lo == nil {
			return nil, fmt.Errorf("connector %d is not lease-eligible", id)
		}
		if lo.Leased() {
			return nil, fmt.Errorf("connector %s is already leased", lo.Name())
		}
		outputs = append(outputs, lo)
		objects = append(objects, lo.pipeline.leaseObjects()...)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("lease request names no connectors")
	}

	fd, lessee, err := g.dev.CreateLease(objects)
	if err != nil {
		logger.Warnf("Could not create lease for %d objects: %v", len(objects), err)
		return nil, fmt.Errorf("kernel denied lease: %w", err)
	}
	logger.Debugf("Created lease fd %d lessee %d covering %d objects", fd, lessee, len(objects))

	lease := &Lease{fd: fd, lessee: lessee, outputs: outputs}
	for _, lo := range outputs {
		lo.lease = lease
	}
	g.leases = append(g.leases, lease)
	return lease, nil
}

// RevokeLease takes the hardware back from the lessee and marks the
// covered outputs unleased.
func (g *GPU) RevokeLease(lease *Lease) {
	g.endLease(lease, true)
}

// endLease releases the granting side's bookkeeping for a lease. When
// revokeKernel is false the kernel has already dropped the lessee (a
// re-scan discovered it gone) and only local state is cleaned up.
func (g *GPU) endLease(lease *Lease, revokeKernel bool) {
	for _, lo := range lease.outputs {
		lo.lease = nil
	}
	for i, l := range g.leases {
		if l == lease {
			g.leases = append(g.leases[:i], g.leases[i+1:]...)
			break
		}
	}
	if revokeKernel {
		logger.Debugf("Revoking lease with lessee id %d", lease.lessee)
		if err := g.dev.RevokeLease(lease.lessee); err != nil {
			logger.Warnf("Could not revoke lease %d: %v", lease.lessee, err)
		}
	}
	if lease.fd >= 0 {
		unix.Close(lease.fd)
		lease.fd = -1
	}
}

// auditLeases drops leases the kernel no longer lists as active. In
// principle clients terminate leases through the protocol; in practice
// some do not, so the re-scan double-checks.
func (g *GPU) auditLeases() {
	if len(g.leases) == 0 {
		return
	}
	lessees, err := g.dev.ListLessees()
	if err != nil {
		logger.Warnf("Could not list lessees: %v", err)
		return
	}
	active := make(map[uint32]bool, len(lessees))
	for _, id := range lessees {
		active[id] = true
	}
	stale := make([]*Lease, 0, len(g.leases))
	for _, lease := range g.leases {
		if !active[lease.lessee] {
			stale = append(stale, lease)
		}
	}
	for _, lease := range stale {
		logger.Infof("Lease %d is no longer active, releasing", lease.lessee)
		g.endLease(lease, false)
	}
}

// FindLease returns the active lease with the given kernel lessee id,
// nil if unknown.
func (g *GPU) FindLease(lessee uint32) *Lease {
	for _, lease := range g.leases {
		if lease.lessee == lessee {
			return lease
		}
	}
	return nil
}

func (g *GPU) findLeaseOutput(connectorID uint32) *LeaseOutput {
	for _, lo := range g.leaseOutputs {
		if lo.connector.ID() == connectorID {
			return lo
		}
	}
	return nil
}

func (g *GPU) removeLeaseOutput(lo *LeaseOutput) {
	logger.Debugf("Removing lease output %s", lo.Name())
	if lo.lease != nil {
		g.endLease(lo.lease, true)
	}
	for i, other := range g.leaseOutputs {
		if other == lo {
			g.leaseOutputs = append(g.leaseOutputs[:i], g.leaseOutputs[i+1:]...)
			break
		}
	}
	g.removePipeline(lo.pipeline)
}
