// 版权所有 2026 BatchFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 batch 把大量独立、细粒度的数据请求合并为尽量少的网络往返，
并在同一窗口内折叠重复请求。

# 概述

调用方通过 Manager.Add 登记单个请求并立即得到 Future。请求按
(方法, 端点, 规范化参数) 计算指纹分组，窗口调度器决定何时刷新。
刷新时每个指纹只发出一个代表请求，响应再分发给该指纹下的全部等待方。

# 核心类型

  - Manager：对外门面，负责分组、调度、执行与结果分发。
  - Future：单次结算的结果句柄，Await 等待结果。
  - Executor：可注入的批量执行器；未注入时使用 HTTPExecutor。
  - HTTPExecutor：POST {requests} 到批量接口，失败时可逐个回退。
  - Recorder：指标事件接口，internal/metrics 提供 Prometheus 实现。

# 主要能力

  - 滑动窗口：新请求延长窗口，但不超过 MaxWindow。
  - 大小上限：排队次数达到 MaxBatchSize 立即刷新。
  - urgent 优先级与 Immediate 跳过等待。
  - 同指纹在途时新请求直接加入，保证每个指纹至多一个在途调用。
  - 运行统计：Stats 返回批次数、节省请求数、平均批大小与效率。

# 使用方式

	m, err := batch.NewManager(batch.DefaultConfig(),
	    batch.WithExecutor(exec),
	    batch.WithLogger(logger),
	)
	if err != nil {
	    return err
	}
	defer m.Close(ctx)

	user, err := batch.Do[User](ctx, m, "/users/1", types.MethodGet, nil, types.PriorityNormal)
*/
package batch
