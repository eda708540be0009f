package upstream

// defaultSDKTransports builds the vendor adapter table used when a provider
// is configured with transport=sdk.
func defaultSDKTransports() map[string]Transport {
	return map[string]Transport{
		"openai":    newOpenAITransport(),
		"anthropic": newAnthropicTransport(),
		"google":    newGoogleTransport(),
	}
}
