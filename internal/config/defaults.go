package config

import (
	"pmchat/internal/domain"
	"pmchat/internal/multimodal"
	"pmchat/internal/remote"
)

func Defaults() *Config {
	endpoints := make(map[string]string)
	for role, path := range remote.DefaultEndpoints() {
		endpoints[string(role)] = path
	}
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Remote: RemoteConfig{
			BaseURL:           "http://127.0.0.1:8787",
			HistoryPath:       remote.DefaultHistoryPath,
			ConversationsPath: remote.DefaultConversationsPath,
			TimeoutSeconds:    30,
			MaxRetries:        0,
			Endpoints:         endpoints,
		},
		Attachments: AttachmentsConfig{
			MaxSizeBytes:  multimodal.DefaultMaxSizeBytes,
			MaxConcurrent: multimodal.DefaultMaxConcurrent,
		},
		DevServer: DevServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			DBPath:       "~/.pmchat/devstore.db",
			ChunkSize:    16,
			ChunkDelayMs: 20,
		},
		Identity: IdentityConfig{
			DefaultRole: string(domain.RoleProductOwner),
		},
	}
}
