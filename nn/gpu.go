package nn

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/openfluke/plait/detector"
	"github.com/openfluke/webgpu/wgpu"
)

// InitGPU prepares a WebGPU device for the fusion kernels. Repeated calls
// are no-ops while a device is held. Adapter selection follows the probe:
// integrated GPUs are requested with the low-power preference so laptops do
// not spin up a discrete chip for a kernel this small.
func (m *Model) InitGPU() error {
	if m.deviceInfo != nil {
		return nil
	}

	rep, err := detector.Detect()
	if err != nil {
		return fmt.Errorf("probe adapter: %w", err)
	}

	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return fmt.Errorf("webgpu instance unavailable")
	}

	pref := wgpu.PowerPreferenceHighPerformance
	if rep.AdapterType == "integrated-gpu" {
		pref = wgpu.PowerPreferenceLowPower
	}

	ad, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
	if err != nil {
		inst.Release()
		return fmt.Errorf("request %s adapter: %w", rep.Backend, err)
	}
	if ad == nil {
		inst.Release()
		return fmt.Errorf("no %s adapter available", rep.Backend)
	}

	dev, err := ad.RequestDevice(&wgpu.DeviceDescriptor{})
	if err != nil || dev == nil {
		ad.Release()
		inst.Release()
		return fmt.Errorf("request device on %q: %v", rep.Name, err)
	}

	m.deviceInfo = &GPUDeviceInfo{
		Device:     dev,
		Queue:      dev.GetQueue(),
		WorkgroupX: fusionWorkgroup(rep),
		release: func() {
			dev.Release()
			ad.Release()
			inst.Release()
		},
	}

	return nil
}

// fusionWorkgroup sizes the 1D fusion dispatch from the probe report. The
// kernel runs one invocation per (example, class) cell, so only the X
// dimension and the per-workgroup invocation budget can constrain it.
func fusionWorkgroup(rep *detector.Report) uint32 {
	wgx := rep.Recommended.WorkgroupX
	if wgx == 0 {
		wgx = 64
	}
	if lim := rep.Limits.MaxComputeWorkgroupSizeX; lim > 0 && wgx > lim {
		wgx = lim
	}
	if lim := rep.Limits.MaxComputeInvocationsPerWorkgroup; lim > 0 && wgx > lim {
		wgx = lim
	}
	if wgx == 0 {
		wgx = 1
	}
	return wgx
}

// ReleaseGPU releases GPU resources
func (m *Model) ReleaseGPU() {
	if m.deviceInfo != nil {
		if m.deviceInfo.release != nil {
			m.deviceInfo.release()
		}
		m.deviceInfo = nil
	}
}

// generateFusionShader generates WGSL for the gated weighted sum: each
// invocation owns one (example, class) cell and folds the K branch logits
// with that example's gate weights.
func generateFusionShader(wgx uint32, n, classes, branches int) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read>        pro     : array<f32>;
@group(0) @binding(1) var<storage, read>        weights : array<f32>;
@group(0) @binding(2) var<storage, read_write>  fused   : array<f32>;

const N: u32 = %du;
const C: u32 = %du;
const K: u32 = %du;

@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= N) { return; }

    let b = i / C;
    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < K; k = k + 1u) {
        sum = sum + weights[b * K + k] * pro[i * K + k];
    }
    fused[i] = sum;
}
`, n, classes, branches, wgx)
}

// FuseGatedGPU computes the gated fusion on GPU. The inputs and semantics
// match FuseGated exactly; callers without an initialized device should use
// the CPU path.
func (m *Model) FuseGatedGPU(pro, weights []float32, batchSize int) ([]float32, time.Duration, error) {
	if m.deviceInfo == nil {
		return nil, 0, fmt.Errorf("GPU not initialized, call InitGPU first")
	}

	start := time.Now()

	dev := m.deviceInfo.Device
	q := m.deviceInfo.Queue
	wgx := m.deviceInfo.WorkgroupX

	classes := m.Config.NumClasses
	branches := m.Config.NumBranches
	n := batchSize * classes

	if len(pro) != n*branches {
		return nil, 0, fmt.Errorf("pro size %d, expected %d", len(pro), n*branches)
	}
	if len(weights) != batchSize*branches {
		return nil, 0, fmt.Errorf("weights size %d, expected %d", len(weights), batchSize*branches)
	}

	shader := generateFusionShader(wgx, n, classes, branches)
	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "fusion_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shader},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("CreateShaderModule: %w", err)
	}
	defer module.Release()

	bgl, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "fusion_bgl",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return nil, 0, err
	}
	defer bgl.Release()

	pl, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "fusion_pl",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, 0, err
	}

	pipeline, err := dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "fusion_pipeline",
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	pl.Release()
	if err != nil {
		return nil, 0, err
	}
	defer pipeline.Release()

	proBytes := uint64(len(pro) * 4)
	weightBytes := uint64(len(weights) * 4)
	fusedBytes := uint64(n * 4)

	bufPro, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fusion_pro",
		Size:  proBytes,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, 0, err
	}
	defer bufPro.Release()

	bufWeights, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fusion_weights",
		Size:  weightBytes,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, 0, err
	}
	defer bufWeights.Release()

	bufFused, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fusion_out",
		Size:  fusedBytes,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, 0, err
	}
	defer bufFused.Release()

	readback, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fusion_rb",
		Size:  fusedBytes,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, 0, err
	}
	defer readback.Release()

	bg, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "fusion_bg",
		Layout: bgl,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: bufPro, Offset: 0, Size: bufPro.GetSize()},
			{Binding: 1, Buffer: bufWeights, Offset: 0, Size: bufWeights.GetSize()},
			{Binding: 2, Buffer: bufFused, Offset: 0, Size: bufFused.GetSize()},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("create bindgroup: %w", err)
	}
	defer bg.Release()

	q.WriteBuffer(bufPro, 0, unsafe.Slice((*byte)(unsafe.Pointer(&pro[0])), int(proBytes)))
	q.WriteBuffer(bufWeights, 0, unsafe.Slice((*byte)(unsafe.Pointer(&weights[0])), int(weightBytes)))
	pollDevice(dev, 100)

	gx := uint32((n + int(wgx) - 1) / int(wgx))
	if gx == 0 {
		gx = 1
	}

	enc, err := dev.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "fusion_enc"})
	if err != nil {
		return nil, 0, fmt.Errorf("create encoder: %w", err)
	}

	pass := enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "fusion_pass"})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(gx, 1, 1)
	pass.End()

	enc.CopyBufferToBuffer(bufFused, 0, readback, 0, fusedBytes)

	cb, err := enc.Finish(nil)
	if err != nil {
		enc.Release()
		return nil, 0, fmt.Errorf("finish: %w", err)
	}
	enc.Release()

	q.Submit(cb)
	cb.Release()
	pollDevice(dev, 1000)

	done := false
	readback.MapAsync(wgpu.MapModeRead, 0, fusedBytes, func(wgpu.BufferMapAsyncStatus) { done = true })
	for i := 0; i < 1000 && !done; i++ {
		dev.Poll(true, nil)
		time.Sleep(100 * time.Microsecond)
	}

	if !done {
		return nil, 0, fmt.Errorf("timeout mapping readback buffer")
	}

	view := readback.GetMappedRange(0, uint(fusedBytes))
	fused := make([]float32, n)
	copy(fused, unsafe.Slice((*float32)(unsafe.Pointer(&view[0])), n))
	readback.Unmap()

	return fused, time.Since(start), nil
}

func pollDevice(dev *wgpu.Device, maxIter int) {
	for i := 0; i < maxIter; i++ {
		if dev.Poll(true, nil) {
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
}
