// Package voiceturn implements push-to-talk voice turns against a
// conversational backend.
//
// # Overview
//
// A turn is recorded with a Recorder, submitted through a
// conversation.Service, and the reply audio is played with a Player. The
// Coordinator ties the three together and keeps the session transcript:
//
//	client, err := voiceturn.NewClient(voiceturn.NewConfig(), voiceturn.ClientOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	coord := client.Coordinator()
//	if _, err := coord.StartSession(ctx, "default"); err != nil {
//		log.Fatal(err)
//	}
//
//	coord.Toggle(ctx) // start recording
//	// ... user speaks ...
//	coord.Toggle(ctx) // stop, submit, reconcile, play
//
//	for _, m := range coord.Messages() {
//		fmt.Println(m.Role, m.Content)
//	}
//
// # Recording
//
// The Recorder is a state machine over idle, recording and processing. Its
// transitions are computed by Transition and its side effects (device
// acquisition, capture, finalization, release) are executed by the Recorder
// itself. Every acquired device is released exactly once, whichever way the
// recording ends. Audio is encoded in time slices using the first encoding
// from the priority list that the local codecs support:
//
//	audio/ogg;codecs=opus  ->  audio/wav  ->  audio/L16
//
// # Turns
//
// While a turn is in flight the user message shows SpeakingPlaceholder. When
// the result arrives the placeholder is replaced by the transcript, removed
// when no speech was detected, or replaced by ErrorMarker with a system
// message explaining the failure. Each service call runs under TurnPolicy: a
// per-attempt timeout and a bounded retry of network failures.
//
// # Configuration
//
// NewConfig reads VOICETURN_* environment variables (and a .env file), and
// Config.LoadConfigFile overlays a YAML file:
//
//	base_url: http://127.0.0.1:8787
//	transport: http
//	sample_rate: 16000
//	time_slice: 100ms
//	turn_timeout: 30s
//	turn_retries: 1
//
// # Logging
//
// Logging goes through Logger, a thin wrapper over zerolog. Components log
// with a "component" field; SetGlobalLogger replaces the default.
package voiceturn
