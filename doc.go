// Package txcache assembles a caching terminology resolution layer for FHIR.
//
// Codes are validated, looked up, expanded and translated through a stack
// of service.Provider implementations. Each layer has one job:
//
//   - terminology.CachingService: per-operation LRU buckets with TTLs, plus
//     stale-serve with background refresh for the conformance listings
//   - terminology.SwitchedService: optional prefix routing of whole code
//     systems to the remote server
//   - terminology.HybridService: remote validation for an allow-list of
//     code systems, local answers for everything else
//   - remote.Client: the FHIR Parameters protocol against a terminology
//     server, never retried
//   - terminology.InMemoryTerminologyService: local CodeSystems, ValueSets
//     and ConceptMaps
//   - service.UnsupportedCodeSystemProvider: a warning when nobody knows
//     the code system
//
// # Quick Start
//
//	svc, err := txcache.New(
//	    txcache.WithRemoteURL("https://tx.example.org/fhir"),
//	    txcache.WithRemoteCodeSystems("http://snomed.info/sct"),
//	    txcache.WithMiddleware(remote.BearerToken(token)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	result, err := svc.Provider().ValidateCode(ctx, service.ValidationOptions{},
//	    "http://snomed.info/sct", "22298006", nil, "")
//
// Without a remote URL the stack runs in degraded mode: codes from remote
// code systems yield a warning instead of an answer.
//
// # Configuration
//
// config.Load reads config.yaml, a .env file and TXCACHE_* variables;
// FromConfig turns the result into options.
//
//	cfg, err := config.Load("")
//	svc, err := txcache.New(txcache.FromConfig(cfg)...)
package txcache
