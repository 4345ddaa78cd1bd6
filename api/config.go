package api

type ServerConfig struct {
	S3     S3Config
	DB     DBConfig
	Redis  RedisConfig
	Engine EngineConfig
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix  string
	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	MarketEvents string
}

type EngineConfig struct {
	DefaultDurationHours int
	MaxDurationHours     int
	BuyoutTTLSeconds     int
	SweepIntervalSeconds int
}
