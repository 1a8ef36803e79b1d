package apps

// App is one registered application identity on the platform. AppSecret is
// never logged; log sites carry the key only.
type App struct {
	AppKey    string `json:"app_key" yaml:"app_key"`
	AppSecret string `json:"app_secret" yaml:"app_secret"`
	CorpID    string `json:"corp_id,omitempty" yaml:"corp_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
}
