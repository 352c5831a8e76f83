// Package workload defines the contract between the task engine and the code
// it runs: the Workload function type, the Builder used to validate
// parameters at submission time, and the Reporter through which running
// workloads emit progress updates and structured logs.
package workload
