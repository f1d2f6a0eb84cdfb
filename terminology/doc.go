// Package terminology provides the terminology providers and decorators:
//
//   - InMemoryTerminologyService: answers from locally loaded CodeSystems,
//     ValueSets and ConceptMaps plus a few built-in code systems
//   - CachingService: per-operation caches in front of any provider
//   - HybridService: sends allow-listed code systems to a remote server
//   - SwitchedService: routes by code-system prefix between two providers
//
// A typical stack is CachingService -> HybridService -> local chain:
//
//	local := terminology.NewInMemoryTerminologyService()
//	local.LoadFromDirectory("package/")
//	hybrid := terminology.NewHybridService(local, client, "http://snomed.info/sct")
//	svc := terminology.NewCachingService(hybrid, terminology.DefaultCacheTimeouts())
//	defer svc.Close()
//
//	result, err := svc.ValidateCode(ctx, service.ValidationOptions{},
//		"http://hl7.org/fhir/administrative-gender", "male", nil, "")
package terminology
