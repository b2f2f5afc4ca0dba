package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	// BaseURL is the public HTTPS origin webhook URLs are built from.
	BaseURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	AssemblyAIKey     string
	CerebrasKey       string
	CerebrasModelID   string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	// TTSProvider selects the synthesis engine: "elevenlabs" or "deepgram".
	TTSProvider string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	SQLitePath string

	MaxTurns         int
	MaxCallDuration  time.Duration
	LivenessWindow   time.Duration
	ClaimTimeout     time.Duration
	WatchdogInterval time.Duration

	MaxStageAttempts  int
	RetryBackoff      time.Duration
	StageTimeout      time.Duration
	TranscribeTimeout time.Duration

	Greeting string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		log.Println("Warning: BASE_URL not set - webhook callbacks will not reach this server")
	}

	twilioSID := os.Getenv("TWILIO_ACCOUNT_SID")
	twilioToken := os.Getenv("TWILIO_AUTH_TOKEN")
	if twilioSID == "" || twilioToken == "" {
		log.Println("Warning: TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN not set - telephony will not work")
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - transcription will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "gpt-oss-120b"
	}
	if cerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - LLM will not work")
	}

	ttsProvider := os.Getenv("TTS_PROVIDER")
	if ttsProvider == "" {
		ttsProvider = "elevenlabs"
	}
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if ttsProvider == "elevenlabs" && elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - TTS will not work")
	}
	if ttsProvider == "deepgram" && deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - TTS will not work")
	}

	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_KEY")
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: SUPABASE_URL / SUPABASE_SERVICE_KEY not set - audio storage will not work")
	}
	supabaseBucket := os.Getenv("SUPABASE_BUCKET")
	if supabaseBucket == "" {
		supabaseBucket = "interviews"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "interviews.db"
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress: addr,
		BaseURL:     baseURL,

		TwilioAccountSID: twilioSID,
		TwilioAuthToken:  twilioToken,
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		AssemblyAIKey:     assemblyAIKey,
		CerebrasKey:       cerebrasKey,
		CerebrasModelID:   cerebrasModel,
		ElevenLabsKey:     elevenKey,
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DeepgramKey:       deepgramKey,
		TTSProvider:       ttsProvider,

		SupabaseURL:    supabaseURL,
		SupabaseKey:    supabaseKey,
		SupabaseBucket: supabaseBucket,

		SQLitePath: sqlitePath,

		MaxTurns:         envInt("MAX_TURNS", 20),
		MaxCallDuration:  envDuration("MAX_CALL_DURATION", 30*time.Minute),
		LivenessWindow:   envDuration("LIVENESS_WINDOW", 2*time.Minute),
		ClaimTimeout:     envDuration("CLAIM_TIMEOUT", 90*time.Second),
		WatchdogInterval: envDuration("WATCHDOG_INTERVAL", 30*time.Second),

		MaxStageAttempts:  envInt("MAX_STAGE_ATTEMPTS", 3),
		RetryBackoff:      envDuration("RETRY_BACKOFF", 500*time.Millisecond),
		StageTimeout:      envDuration("STAGE_TIMEOUT", 15*time.Second),
		TranscribeTimeout: envDuration("TRANSCRIBE_TIMEOUT", 60*time.Second),

		Greeting: os.Getenv("INTERVIEW_GREETING"),
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not an integer, using %d", key, raw, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not a duration, using %s", key, raw, fallback)
		return fallback
	}
	return d
}
