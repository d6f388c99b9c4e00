/*
Package types 定义 batchflow 各组件共享的数据结构。

  - BatchRequest / BatchResponse：批量接口的线上格式
  - Priority：low / normal / high / urgent 四级优先级
  - Error：带错误码的结构化错误（CLIENT_QUEUE、TRANSPORT、SERVER、
    CONFIGURATION 等），支持 errors.Is / errors.As
*/
package types
