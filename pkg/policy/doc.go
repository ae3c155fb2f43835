// Package policy manages versioned eligibility policies.
//
// # Registry
//
// Registry is the only way new policy versions enter the store. Create
// validates a document, lints it, computes a checksum of its canonical
// config and stores it as the next version. Importing a config that is
// already stored returns the existing version instead of creating another.
//
//	reg := policy.NewRegistry(store, policy.WithLinter(linter))
//	res, err := reg.Create(ctx, doc)
//	if err != nil {
//	    return err
//	}
//	for _, w := range res.Warnings {
//	    log.Printf("%s: %s", w.Rule, w.Message)
//	}
//
// # Linting
//
// Linter runs Rego rules over a policy config and reports advisory
// warnings, such as a breakout rule with no requirements. Warnings never
// block creation and never affect how items are evaluated. Extra rules can
// be loaded from .rego files; they must define warn rules in package
// marquee.lint:
//
//	package marquee.lint
//
//	import rego.v1
//
//	warn contains w if {
//	    input.relevanceThreshold > 90
//	    w := {"rule": "high-relevance", "field": "relevanceThreshold", "message": "few items will rank"}
//	}
//
// # Directory sync
//
// DirectoryWatcher imports every document under a directory on start and
// again whenever a file there is written, using fsnotify.
package policy
