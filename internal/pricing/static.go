package pricing

import "context"

// StaticPrices is the compiled fallback table used when the price store is
// unavailable or has no row for a tuple.
var StaticPrices = []Price{
	// Images, priced per image
	{Provider: "fal", Model: "flux-schnell", Operation: OperationImage, CreditsPerUnit: 1, CostUSDPerUnit: 0.003},
	{Provider: "fal", Model: "flux-pro", Operation: OperationImage, CreditsPerUnit: 3, CostUSDPerUnit: 0.05,
		ResolutionMultipliers: map[string]float64{"1024x1024": 1, "1536x1536": 1.5, "2048x2048": 2}},
	{Provider: "fal", Model: WildcardModel, Operation: OperationImage, CreditsPerUnit: 2, CostUSDPerUnit: 0.025},
	{Provider: "openai", Model: "gpt-image-1", Operation: OperationImage, CreditsPerUnit: 4, CostUSDPerUnit: 0.04,
		ResolutionMultipliers: map[string]float64{"1024x1024": 1, "1536x1024": 1.5, "1024x1536": 1.5}},

	// Video, priced per second
	{Provider: "fal", Model: "kling-1.6", Operation: OperationVideo, CreditsPerUnit: 2, CostUSDPerUnit: 0.05,
		ResolutionMultipliers: map[string]float64{"720p": 1, "1080p": 1.5}},
	{Provider: "replicate", Model: WildcardModel, Operation: OperationVideo, CreditsPerUnit: 3, CostUSDPerUnit: 0.08},

	// Audio, priced per second; voice, priced per 1000 characters
	{Provider: "elevenlabs", Model: WildcardModel, Operation: OperationAudio, CreditsPerUnit: 0.2, CostUSDPerUnit: 0.002},
	{Provider: "elevenlabs", Model: WildcardModel, Operation: OperationVoice, CreditsPerUnit: 3, CostUSDPerUnit: 0.03},

	// Chat, priced per 1000 characters
	{Provider: "openai", Model: "gpt-4o-mini", Operation: OperationChat, CreditsPerUnit: 1, CostUSDPerUnit: 0.0006},
	{Provider: "openai", Model: "gpt-4o", Operation: OperationChat, CreditsPerUnit: 5, CostUSDPerUnit: 0.01},

	// Local mock provider
	{Provider: "mock", Model: WildcardModel, Operation: OperationImage, CreditsPerUnit: 3, CostUSDPerUnit: 0.01},
	{Provider: "mock", Model: WildcardModel, Operation: OperationVideo, CreditsPerUnit: 1, CostUSDPerUnit: 0.01},
	{Provider: "mock", Model: WildcardModel, Operation: OperationAudio, CreditsPerUnit: 1, CostUSDPerUnit: 0.01},
	{Provider: "mock", Model: WildcardModel, Operation: OperationVoice, CreditsPerUnit: 1, CostUSDPerUnit: 0.01},
}

// StaticSource serves a fixed table as a Source.
type StaticSource []Price

func (s StaticSource) LoadPrices(context.Context) ([]Price, error) {
	return s, nil
}
