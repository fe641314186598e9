package tls

// Config enables HTTPS for the bench agent. Either CertFile and KeyFile are
// given, or Dir holds tls.crt and tls.key (generated on first use when
// AutoGenerate is set). Both empty means plain HTTP.
type Config struct {
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // DNS names or IPs for a generated certificate
	MinVersion   string   `mapstructure:"min_version"`
}

func (c Config) Enabled() bool {
	return (c.CertFile != "" && c.KeyFile != "") || c.Dir != ""
}
