// Package config 提供 BatchFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的优先级加载，
// 并可转换为 batch.Config 与 analytics.Config 供引擎使用。
package config
