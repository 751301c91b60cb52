// Package smartclip provides a clip-worthy moment detector for Twitch
// streams. It fuses emotion and speech signals into trigger decisions and
// creates clips through the Helix API.
//
// Quick start:
//
//	s, err := smartclip.New(smartclip.WithConfigPath("smartclip.json"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	s.Run(ctx) // blocks until cancelled
//
// With OBS integration enabled in the config, detection follows the stream
// output state automatically; otherwise the session spans the process
// lifetime. Feed captured audio through FeedAudio (raw PCM), FeedFeatures
// (precomputed classifier features), and FeedTranscript (speech text).
package smartclip
