package config

// BrokerConfig holds the full configuration of the forwarding broker service.
// Values come from a TOML file with environment variable overrides.
type BrokerConfig struct {
	Server struct {
		Port           string `toml:"port" env:"BLINKPOS_SERVER_PORT" env-default:"8080"`
		RequestTimeout int    `toml:"request_timeout" env:"BLINKPOS_REQUEST_TIMEOUT" env-default:"60"`
	} `toml:"server"`

	Database struct {
		Host            string `toml:"host" env:"BLINKPOS_DB_HOST"`
		Port            string `toml:"port" env:"BLINKPOS_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"BLINKPOS_DB_USER"`
		Password        string `toml:"password" env:"BLINKPOS_DB_PASSWORD"`
		DB              string `toml:"db" env:"BLINKPOS_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"BLINKPOS_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"BLINKPOS_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"BLINKPOS_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"BLINKPOS_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"BLINKPOS_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Enabled  bool   `toml:"enabled" env:"BLINKPOS_REDIS_ENABLED" env-default:"true"`
		Host     string `toml:"host" env:"BLINKPOS_REDIS_HOST"`
		Port     string `toml:"port" env:"BLINKPOS_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"BLINKPOS_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"BLINKPOS_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Forwarding struct {
		// IntentTTLMinutes is how long a pending intent stays claimable.
		IntentTTLMinutes int `toml:"intent_ttl_minutes" env:"BLINKPOS_INTENT_TTL_MINUTES" env-default:"15"`
		// ProcessingTTLMinutes keeps freshly claimed processing rows out of
		// the expiry sweep; a row claimed longer ago than this is presumed
		// abandoned and reaped. 0 disables the grace window.
		ProcessingTTLMinutes int `toml:"processing_ttl_minutes" env:"BLINKPOS_PROCESSING_TTL_MINUTES" env-default:"30"`
		JanitorIntervalMins  int `toml:"janitor_interval_minutes" env:"BLINKPOS_JANITOR_INTERVAL_MINUTES" env-default:"5"`
		MaxTipRecipients     int `toml:"max_tip_recipients" env:"BLINKPOS_MAX_TIP_RECIPIENTS" env-default:"32"`
	} `toml:"forwarding"`

	Webhook struct {
		ProductionSecret string `toml:"production_secret" env:"BLINKPOS_WEBHOOK_SECRET_PRODUCTION"`
		StagingSecret    string `toml:"staging_secret" env:"BLINKPOS_WEBHOOK_SECRET_STAGING"`
	} `toml:"webhook"`

	Provider struct {
		ProductionURL string `toml:"production_url" env:"BLINKPOS_PROVIDER_URL_PRODUCTION" env-default:"https://api.blink.sv/graphql"`
		StagingURL    string `toml:"staging_url" env:"BLINKPOS_PROVIDER_URL_STAGING" env-default:"https://api.staging.blink.sv/graphql"`

		// Broker wallet credentials, one set per environment.
		ProductionAPIKey   string `toml:"production_api_key" env:"BLINKPOS_BROKER_API_KEY_PRODUCTION"`
		ProductionWalletID string `toml:"production_wallet_id" env:"BLINKPOS_BROKER_WALLET_ID_PRODUCTION"`
		StagingAPIKey      string `toml:"staging_api_key" env:"BLINKPOS_BROKER_API_KEY_STAGING"`
		StagingWalletID    string `toml:"staging_wallet_id" env:"BLINKPOS_BROKER_WALLET_ID_STAGING"`
	} `toml:"provider"`

	NWC struct {
		// EncryptionKeyHex is the 32-byte key (hex) protecting stored NWC URIs.
		EncryptionKeyHex string `toml:"encryption_key" env:"BLINKPOS_NWC_ENCRYPTION_KEY"`
	} `toml:"nwc"`

	LND struct {
		Enabled               bool   `toml:"enabled" env:"BLINKPOS_LND_ENABLED" env-default:"false"`
		GRPCHost              string `toml:"grpc_host" env:"BLINKPOS_LND_GRPC_HOST" env-default:"localhost"`
		GRPCPort              string `toml:"grpc_port" env:"BLINKPOS_LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"BLINKPOS_LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"BLINKPOS_LND_MACAROON_PATH"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"BLINKPOS_LND_PAYMENT_TIMEOUT" env-default:"30"`
		MaxPaymentFeeSats     int64  `toml:"max_payment_fee_sats" env:"BLINKPOS_LND_MAX_FEE_SATS" env-default:"100"`
	} `toml:"lnd"`

	Exchange struct {
		Provider string `toml:"provider" env:"BLINKPOS_EXCHANGE_PROVIDER" env-default:"coinbase"`
	} `toml:"exchange"`
}
