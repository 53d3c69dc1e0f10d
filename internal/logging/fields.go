package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// BundleFields 提供 bundle 名称、代际、状态与引用计数字段，供缓存核心日志复用。
func BundleFields(name string, generation uint64, state string, refCount int) logrus.Fields {
	return logrus.Fields{
		"bundle":     name,
		"generation": generation,
		"state":      state,
		"ref_count":  refCount,
	}
}

// RentalFields 描述一次租借，manager 与诊断接口共用。
func RentalFields(rentalID, name, kind string) logrus.Fields {
	return logrus.Fields{
		"rental_id": rentalID,
		"bundle":    name,
		"kind":      kind,
	}
}
