// Package manifest 读取描述 bundle 依赖关系的 manifest。
//
// manifest 本身也是一个 bundle 文件，其中的 manifest.json 条目（允许注释的 HuJSON）
// 列出全部 bundle 及其依赖。加载时会拒绝重复名称、未声明的依赖以及依赖环，
// 因此下游的闭包解析永远不会陷入死循环。
package manifest
