// Copyright 2026 BatchFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 BatchFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual / AssertErrorCode / AssertContains 等
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: MockExecutor，按请求生成响应并记录每次调用，
    支持固定响应、逐项失败、缺失响应与错误注入
  - testutil/fixtures: 预置的 BatchRequest / BatchResponse 样例

# 使用示例

	ctx := testutil.TestContext(t)
	exec := mocks.NewMockExecutor().WithHandler(mocks.Echo)
	m, _ := batch.NewManager(cfg, batch.WithExecutor(exec))
	raw, err := m.Get(ctx, "/users", nil, types.PriorityNormal).Await(ctx)
	testutil.AssertNoError(t, err)
*/
package testutil
