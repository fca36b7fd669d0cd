// Package capabilities is the static registry of what each provider can do:
// its endpoints, authentication methods, feature set, and known limitations.
// The table is the authoritative default; it answers queries without any
// network traffic.
package capabilities

import (
	"sort"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// Endpoint names a provider API surface.
type Endpoint string

const (
	EndpointChat        Endpoint = "chat"
	EndpointEmbeddings  Endpoint = "embeddings"
	EndpointImages      Endpoint = "images"
	EndpointAudio       Endpoint = "audio"
	EndpointCompletions Endpoint = "completions"
	EndpointFineTuning  Endpoint = "fine_tuning"
	EndpointFiles       Endpoint = "files"
)

// AuthMethod names a supported authentication scheme.
type AuthMethod string

const (
	AuthAPIKey         AuthMethod = "api_key"
	AuthOAuth          AuthMethod = "oauth"
	AuthAWSSignature   AuthMethod = "aws_signature"
	AuthServiceAccount AuthMethod = "service_account"
	AuthBearerToken    AuthMethod = "bearer_token"
)

// Feature names one provider capability.
type Feature string

const (
	FeatureStreaming            Feature = "streaming"
	FeatureFunctionCalling      Feature = "function_calling"
	FeatureCostTracking         Feature = "cost_tracking"
	FeatureUsageTracking        Feature = "usage_tracking"
	FeatureDynamicModelListing  Feature = "dynamic_model_listing"
	FeatureBatchOperations      Feature = "batch_operations"
	FeatureFileUploads          Feature = "file_uploads"
	FeatureRateLimitingHeaders  Feature = "rate_limiting_headers"
	FeatureSystemMessages       Feature = "system_messages"
	FeatureJSONMode             Feature = "json_mode"
	FeatureContextCaching       Feature = "context_caching"
	FeatureVision               Feature = "vision"
	FeatureAudioInput           Feature = "audio_input"
	FeatureAudioOutput          Feature = "audio_output"
	FeatureWebSearch            Feature = "web_search"
	FeatureToolUse              Feature = "tool_use"
	FeatureComputerUse          Feature = "computer_use"
)

// Record describes one provider's capabilities.
type Record struct {
	Provider       string
	Endpoints      []Endpoint
	Authentication []AuthMethod
	Features       []Feature
	Limitations    map[string]any
}

// HasFeature reports whether the record lists the feature.
func (r *Record) HasFeature(f Feature) bool {
	for _, have := range r.Features {
		if have == f {
			return true
		}
	}
	return false
}

// HasEndpoint reports whether the record lists the endpoint.
func (r *Record) HasEndpoint(e Endpoint) bool {
	for _, have := range r.Endpoints {
		if have == e {
			return true
		}
	}
	return false
}

// registry is the authoritative capability table.
var registry = map[string]*Record{
	"openai": {
		Provider:       "openai",
		Endpoints:      []Endpoint{EndpointChat, EndpointEmbeddings, EndpointImages, EndpointAudio, EndpointCompletions, EndpointFineTuning, EndpointFiles},
		Authentication: []AuthMethod{AuthAPIKey, AuthBearerToken},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureCostTracking, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureBatchOperations, FeatureFileUploads,
			FeatureRateLimitingHeaders, FeatureSystemMessages, FeatureJSONMode,
			FeatureVision, FeatureAudioInput, FeatureAudioOutput, FeatureToolUse,
		},
		Limitations: map[string]any{"max_context_tokens": 128000},
	},
	"anthropic": {
		Provider:       "anthropic",
		Endpoints:      []Endpoint{EndpointChat},
		Authentication: []AuthMethod{AuthAPIKey},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureCostTracking, FeatureUsageTracking,
			FeatureSystemMessages, FeatureContextCaching, FeatureVision, FeatureToolUse,
			FeatureComputerUse,
		},
		Limitations: map[string]any{"max_context_tokens": 200000, "no_embeddings": true},
	},
	"gemini": {
		Provider:       "gemini",
		Endpoints:      []Endpoint{EndpointChat, EndpointEmbeddings},
		Authentication: []AuthMethod{AuthAPIKey, AuthOAuth, AuthServiceAccount},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureSystemMessages, FeatureJSONMode,
			FeatureContextCaching, FeatureVision, FeatureAudioInput, FeatureToolUse,
		},
		Limitations: map[string]any{"max_context_tokens": 1000000},
	},
	"bedrock": {
		Provider:       "bedrock",
		Endpoints:      []Endpoint{EndpointChat},
		Authentication: []AuthMethod{AuthAWSSignature},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureUsageTracking,
			FeatureSystemMessages, FeatureVision, FeatureToolUse,
		},
		Limitations: map[string]any{"no_cost_tracking": true, "region_bound": true},
	},
	"ollama": {
		Provider:       "ollama",
		Endpoints:      []Endpoint{EndpointChat, EndpointEmbeddings, EndpointCompletions},
		Authentication: []AuthMethod{},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureSystemMessages, FeatureJSONMode, FeatureVision,
		},
		Limitations: map[string]any{"no_cost_tracking": true, "local_only": true},
	},
	"groq": {
		Provider:       "groq",
		Endpoints:      []Endpoint{EndpointChat},
		Authentication: []AuthMethod{AuthAPIKey, AuthBearerToken},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureSystemMessages, FeatureJSONMode,
			FeatureRateLimitingHeaders, FeatureToolUse,
		},
		Limitations: map[string]any{"max_context_tokens": 131072},
	},
	"mistral": {
		Provider:       "mistral",
		Endpoints:      []Endpoint{EndpointChat, EndpointEmbeddings},
		Authentication: []AuthMethod{AuthAPIKey, AuthBearerToken},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureSystemMessages, FeatureJSONMode, FeatureToolUse,
		},
		Limitations: map[string]any{"max_context_tokens": 128000},
	},
	"openrouter": {
		Provider:       "openrouter",
		Endpoints:      []Endpoint{EndpointChat},
		Authentication: []AuthMethod{AuthAPIKey, AuthBearerToken},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureCostTracking, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureSystemMessages, FeatureJSONMode,
			FeatureVision, FeatureToolUse, FeatureWebSearch,
		},
		Limitations: map[string]any{"aggregator": true},
	},
	"perplexity": {
		Provider:       "perplexity",
		Endpoints:      []Endpoint{EndpointChat},
		Authentication: []AuthMethod{AuthAPIKey, AuthBearerToken},
		Features: []Feature{
			FeatureStreaming, FeatureUsageTracking, FeatureSystemMessages, FeatureWebSearch,
		},
		Limitations: map[string]any{"no_function_calling": true},
	},
	"xai": {
		Provider:       "xai",
		Endpoints:      []Endpoint{EndpointChat},
		Authentication: []AuthMethod{AuthAPIKey, AuthBearerToken},
		Features: []Feature{
			FeatureStreaming, FeatureFunctionCalling, FeatureUsageTracking,
			FeatureDynamicModelListing, FeatureSystemMessages, FeatureJSONMode,
			FeatureVision, FeatureToolUse, FeatureWebSearch,
		},
		Limitations: map[string]any{"max_context_tokens": 131072},
	},
	"local": {
		Provider:       "local",
		Endpoints:      []Endpoint{EndpointChat, EndpointCompletions},
		Authentication: []AuthMethod{},
		Features: []Feature{
			FeatureStreaming, FeatureSystemMessages,
		},
		Limitations: map[string]any{"no_cost_tracking": true, "local_only": true, "application_supplied": true},
	},
}

// Get returns the record for a provider.
func Get(provider string) (*Record, error) {
	rec, ok := registry[provider]
	if !ok {
		return nil, llmerrors.NewNotFound("capabilities for provider " + provider)
	}
	return rec, nil
}

// ListProviders returns every provider in the table, sorted.
func ListProviders() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether the provider lists the given feature or endpoint
// name.
func Supports(provider, featureOrEndpoint string) bool {
	rec, ok := registry[provider]
	if !ok {
		return false
	}
	return rec.HasFeature(Feature(featureOrEndpoint)) || rec.HasEndpoint(Endpoint(featureOrEndpoint))
}

// FindProvidersWithFeatures returns the sorted providers that support every
// given feature.
func FindProvidersWithFeatures(features []Feature) []string {
	var out []string
	for name, rec := range registry {
		all := true
		for _, f := range features {
			if !rec.HasFeature(f) {
				all = false
				break
			}
		}
		if all {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// GetAuthMethods returns the provider's authentication schemes.
func GetAuthMethods(provider string) []AuthMethod {
	if rec, ok := registry[provider]; ok {
		return rec.Authentication
	}
	return nil
}

// GetEndpoints returns the provider's API surfaces.
func GetEndpoints(provider string) []Endpoint {
	if rec, ok := registry[provider]; ok {
		return rec.Endpoints
	}
	return nil
}

// GetLimitations returns the provider's limitation map.
func GetLimitations(provider string) map[string]any {
	if rec, ok := registry[provider]; ok {
		return rec.Limitations
	}
	return nil
}

// Comparison is the result of CompareProviders.
type Comparison struct {
	Providers    []string
	AllFeatures  []Feature
	AllEndpoints []Endpoint
	// Matrix maps provider → feature → supported.
	Matrix map[string]map[Feature]bool
}

// CompareProviders builds a side-by-side feature matrix for the given
// providers. Unknown providers are skipped.
func CompareProviders(providerNames []string) *Comparison {
	cmp := &Comparison{Matrix: map[string]map[Feature]bool{}}

	featureSet := map[Feature]bool{}
	endpointSet := map[Endpoint]bool{}
	for _, name := range providerNames {
		rec, ok := registry[name]
		if !ok {
			continue
		}
		cmp.Providers = append(cmp.Providers, name)
		for _, f := range rec.Features {
			featureSet[f] = true
		}
		for _, e := range rec.Endpoints {
			endpointSet[e] = true
		}
	}

	for f := range featureSet {
		cmp.AllFeatures = append(cmp.AllFeatures, f)
	}
	for e := range endpointSet {
		cmp.AllEndpoints = append(cmp.AllEndpoints, e)
	}
	sort.Slice(cmp.AllFeatures, func(i, j int) bool { return cmp.AllFeatures[i] < cmp.AllFeatures[j] })
	sort.Slice(cmp.AllEndpoints, func(i, j int) bool { return cmp.AllEndpoints[i] < cmp.AllEndpoints[j] })

	for _, name := range cmp.Providers {
		rec := registry[name]
		row := make(map[Feature]bool, len(cmp.AllFeatures))
		for _, f := range cmp.AllFeatures {
			row[f] = rec.HasFeature(f)
		}
		cmp.Matrix[name] = row
	}
	return cmp
}

// Recommendation is one scored entry from RecommendProviders.
type Recommendation struct {
	Provider string
	Score    float64
}

// RecommendQuery filters and ranks providers.
type RecommendQuery struct {
	RequiredFeatures  []Feature
	PreferredFeatures []Feature
	ExcludeProviders  []string
	PreferLocal       bool
}

// localBoost is the score bonus for local providers when PreferLocal is set.
const localBoost = 0.5

// RecommendProviders ranks providers by feature match: one point per
// required feature, half a point per preferred feature. Providers missing
// any required feature are filtered out. The sort is stable and descending
// by score, with name order breaking ties.
func RecommendProviders(q RecommendQuery) []Recommendation {
	excluded := map[string]bool{}
	for _, name := range q.ExcludeProviders {
		excluded[name] = true
	}

	var out []Recommendation
	for _, name := range ListProviders() {
		if excluded[name] {
			continue
		}
		rec := registry[name]

		score := 0.0
		qualified := true
		for _, f := range q.RequiredFeatures {
			if !rec.HasFeature(f) {
				qualified = false
				break
			}
			score++
		}
		if !qualified {
			continue
		}
		for _, f := range q.PreferredFeatures {
			if rec.HasFeature(f) {
				score += 0.5
			}
		}
		if q.PreferLocal {
			if isLocal, _ := rec.Limitations["local_only"].(bool); isLocal {
				score += localBoost
			}
		}
		out = append(out, Recommendation{Provider: name, Score: score})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
