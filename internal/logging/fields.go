package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ActionFields 提供 token 类型/标识/投递模式字段，供渲染管线日志复用。
func ActionFields(kind, identifier, mode string) logrus.Fields {
	return logrus.Fields{
		"kind":       kind,
		"identifier": identifier,
		"mode":       mode,
	}
}

// InterceptFields 提供 worker 拦截请求时的归档/路径/缓存命中字段。
func InterceptFields(archive, title, requestID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"archive":   archive,
		"title":     title,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
