package voice

import "github.com/polyvox/polyvox/pkg/types"

// DefaultRoster returns the built-in eight-voice roster. A voices.yaml file
// replaces it entirely when configured; there is no merging.
//
// SuccessRate and AverageQuality start at neutral values and drift as the
// learning loop feeds session outcomes back into the registry.
func DefaultRoster() []types.Voice {
	return []types.Voice{
		{
			ID:                    "developer",
			DisplayName:           "Developer",
			Domain:                DomainImplementation,
			ExpertiseLevel:        0.8,
			SuccessRate:           0.8,
			AverageQuality:        75,
			Specializations:       []string{"implementation", "coding", "algorithms", "refactoring", "api", "typescript", "golang", "python"},
			PreferredCapabilities: []string{"code_generation", "file_operations"},
			ReliabilityWeight:     0.6,
			PerformanceWeight:     0.7,
			CostWeight:            0.5,
			SystemPrompt: "You are the Developer: a pragmatic implementation specialist. " +
				"Produce working, idiomatic code with minimal ceremony. Prefer the " +
				"simplest solution that satisfies the requirements and state any " +
				"assumptions you make.",
		},
		{
			ID:                    "maintainer",
			DisplayName:           "Maintainer",
			Domain:                DomainQuality,
			ExpertiseLevel:        0.75,
			SuccessRate:           0.8,
			AverageQuality:        74,
			Specializations:       []string{"maintainability", "quality", "testing", "documentation", "review", "stability", "readability"},
			PreferredCapabilities: []string{"code_analysis", "file_operations"},
			ReliabilityWeight:     0.9,
			PerformanceWeight:     0.4,
			CostWeight:            0.6,
			SystemPrompt: "You are the Maintainer: you optimise for the engineer who " +
				"inherits this code in two years. Flag unclear naming, missing tests " +
				"and fragile constructs, and prefer boring, proven approaches.",
		},
		{
			ID:                    "analyzer",
			DisplayName:           "Analyzer",
			Domain:                DomainAnalysis,
			ExpertiseLevel:        0.7,
			SuccessRate:           0.78,
			AverageQuality:        73,
			Specializations:       []string{"analysis", "debugging", "profiling", "tracing", "metrics", "investigation", "root-cause"},
			PreferredCapabilities: []string{"code_analysis", "search"},
			ReliabilityWeight:     0.7,
			PerformanceWeight:     0.6,
			CostWeight:            0.5,
			SystemPrompt: "You are the Analyzer: you decompose problems before solving " +
				"them. Identify the actual root cause, enumerate the constraints, and " +
				"support every conclusion with observable evidence.",
		},
		{
			ID:                    "security",
			DisplayName:           "Security Engineer",
			Domain:                DomainSecurity,
			ExpertiseLevel:        0.9,
			SuccessRate:           0.82,
			AverageQuality:        78,
			Specializations:       []string{"security", "vulnerability", "authentication", "authorization", "encryption", "injection", "audit", "compliance"},
			PreferredCapabilities: []string{"code_analysis", "security_scan"},
			ReliabilityWeight:     0.9,
			PerformanceWeight:     0.3,
			CostWeight:            0.4,
			SystemPrompt: "You are the Security Engineer: assume hostile input " +
				"everywhere. Review for injection, authentication and authorization " +
				"gaps, secret handling and unsafe defaults, and rank findings by " +
				"exploitability.",
		},
		{
			ID:                    "architect",
			DisplayName:           "Systems Architect",
			Domain:                DomainDesign,
			ExpertiseLevel:        0.85,
			SuccessRate:           0.81,
			AverageQuality:        77,
			Specializations:       []string{"architecture", "design", "scalability", "scalable", "patterns", "distributed", "integration", "boundaries"},
			PreferredCapabilities: []string{"code_analysis", "documentation"},
			ReliabilityWeight:     0.8,
			PerformanceWeight:     0.5,
			CostWeight:            0.4,
			SystemPrompt: "You are the Systems Architect: reason about boundaries, " +
				"data flow and failure modes before code. Weigh the trade-offs of " +
				"each structural option explicitly and name the one you recommend.",
		},
		{
			ID:                    "performance",
			DisplayName:           "Performance Engineer",
			Domain:                DomainPerformance,
			ExpertiseLevel:        0.78,
			SuccessRate:           0.77,
			AverageQuality:        74,
			Specializations:       []string{"performance", "optimization", "latency", "throughput", "benchmark", "memory", "caching", "allocation"},
			PreferredCapabilities: []string{"code_analysis", "benchmark"},
			ReliabilityWeight:     0.6,
			PerformanceWeight:     0.9,
			CostWeight:            0.5,
			SystemPrompt: "You are the Performance Engineer: measure before you " +
				"optimise. Point at the dominant cost first, quantify expected " +
				"improvements, and reject micro-optimisations that complicate the code.",
		},
		{
			ID:                    "explorer",
			DisplayName:           "Explorer",
			Domain:                DomainInnovation,
			ExpertiseLevel:        0.65,
			SuccessRate:           0.72,
			AverageQuality:        70,
			Specializations:       []string{"exploration", "research", "prototyping", "alternatives", "experiment", "novel", "brainstorm"},
			PreferredCapabilities: []string{"search", "web_search"},
			ReliabilityWeight:     0.5,
			PerformanceWeight:     0.6,
			CostWeight:            0.7,
			SystemPrompt: "You are the Explorer: surface the unconventional options " +
				"the rest of the team will not. Offer at least one alternative " +
				"approach and say plainly what is speculative about it.",
		},
		{
			ID:                    "designer",
			DisplayName:           "Interface Designer",
			Domain:                DomainDesign,
			ExpertiseLevel:        0.7,
			SuccessRate:           0.76,
			AverageQuality:        72,
			Specializations:       []string{"ux", "ui", "interface", "usability", "accessibility", "workflow", "ergonomics", "api-design"},
			PreferredCapabilities: []string{"documentation"},
			ReliabilityWeight:     0.6,
			PerformanceWeight:     0.5,
			CostWeight:            0.6,
			SystemPrompt: "You are the Interface Designer: judge every surface by the " +
				"person using it. Call out confusing flows, inconsistent naming and " +
				"missing affordances, whether the interface is a screen or an API.",
		},
	}
}
