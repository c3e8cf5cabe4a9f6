// Package smartphasortoolbox is a phasor data concentrator (PDC) core for
// IEEE C37.118.2-2011 synchrophasor streams.
//
// # What it does
//
// A fleet of PMUs (phasor measurement units) streams framed measurements
// over TCP or UDP. This module connects to each one, keeps its
// configuration current, decodes data frames into flat measurement
// records and publishes them to a JetStream stream that downstream
// consumers (persistors, dashboards) read from.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           Supervisor                │  claim-per-source CAS,
//	│  (start, stop, status, reconcile)   │  stale-claim reclaim
//	└─────────────────────────────────────┘
//	           ↓ one per source
//	┌─────────────────────────────────────┐
//	│           Receivers                 │  connect, resync scan,
//	│   (TCP master / UDP listener)       │  decode, heartbeat
//	└─────────────────────────────────────┘
//	           ↓ bounded queue
//	┌─────────────────────────────────────┐
//	│             Sink                    │  JetStream subjects
//	│   (pdc.measurements.<idcode>)       │  or NDJSON capture file
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - c37118: frame model, CRC-CCITT, encode/decode for CFG-1/2/3, DATA,
//     CMD and HDR frames. Pure byte manipulation, no I/O.
//   - c37118/registry: latest accepted configuration per source id code.
//     Data frames are only interpretable against their configuration.
//   - receiver: one PMU link. Resynchronizing frame scanner, config
//     re-request on unknown source, reconnect with backoff, bounded
//     measurement queue with drop-oldest backpressure.
//   - sink: measurement flattening and delivery (JetStream, file, memory).
//   - status: receiver status records and the compare-and-set store
//     (NATS KV backed, in-memory for tests) that claims ride on.
//   - supervisor: at most one live receiver per source id across
//     instances, enforced by CAS claims with liveness-based reclaim.
//   - simulator: a virtual PMU speaking the same codec, for development
//     and the loopback tests.
//   - natsclient, metric, errors, component, pkg/retry, pkg/buffer:
//     shared infrastructure.
//
// # Binaries
//
//	cmd/smartpdc   the concentrator service
//	cmd/pmusim     a standalone virtual PMU
//
// Multiple concentrator instances may share one source inventory; the
// status store arbitrates ownership, so a crashed instance's sources are
// picked up by a survivor after the liveness window passes.
package smartphasortoolbox
