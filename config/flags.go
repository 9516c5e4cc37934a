package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers one flag per configuration field on fs, using the current
// values of c as defaults. Flag names follow the original training script.
func (c *RunConfig) BindFlags(fs *pflag.FlagSet) {
	o := &c.Optim
	fs.Float64Var(&o.LR, "lr", o.LR, "learning rate for non-backbone parameters")
	fs.Float64Var(&o.LRBackbone, "lr_backbone", o.LRBackbone, "learning rate for backbone parameters")
	fs.IntVar(&o.BatchSize, "batch_size", o.BatchSize, "images per batch per process")
	fs.Float64Var(&o.WeightDecay, "weight_decay", o.WeightDecay, "AdamW weight decay")
	fs.IntVar(&o.Epochs, "epochs", o.Epochs, "number of epochs to train (exclusive end epoch)")
	fs.IntVar(&o.LRDrop, "lr_drop", o.LRDrop, "epochs between learning-rate drops")
	fs.Float64Var(&o.ClipMaxNorm, "clip_max_norm", o.ClipMaxNorm, "gradient clipping max norm")

	m := &c.Model
	fs.StringVar(&m.FrozenWeights, "frozen_weights", m.FrozenWeights, "path to the pretrained model; if set only the mask head is trained")
	fs.StringVar(&m.Backbone, "backbone", m.Backbone, "name of the convolutional backbone")
	fs.BoolVar(&m.Dilation, "dilation", m.Dilation, "replace stride with dilation in the last convolutional block (DC5)")
	fs.StringVar(&m.PositionEmbedding, "position_embedding", m.PositionEmbedding, "positional embedding type (sine or learned)")
	fs.IntVar(&m.EncLayers, "enc_layers", m.EncLayers, "number of encoding layers in the transformer")
	fs.IntVar(&m.DecLayers, "dec_layers", m.DecLayers, "number of decoding layers in the transformer")
	fs.IntVar(&m.DimFeedforward, "dim_feedforward", m.DimFeedforward, "intermediate size of the feedforward layers")
	fs.IntVar(&m.HiddenDim, "hidden_dim", m.HiddenDim, "size of the transformer embeddings")
	fs.Float64Var(&m.Dropout, "dropout", m.Dropout, "dropout applied in the transformer")
	fs.IntVar(&m.NHeads, "nheads", m.NHeads, "number of attention heads")
	fs.IntVar(&m.NumQueries, "num_queries", m.NumQueries, "number of query slots")
	fs.BoolVar(&m.PreNorm, "pre_norm", m.PreNorm, "use pre-normalization in the transformer")
	fs.BoolVar(&m.Masks, "masks", m.Masks, "train the segmentation head")

	l := &c.Loss
	fs.BoolVar(&l.NoAuxLoss, "no_aux_loss", l.NoAuxLoss, "disable auxiliary decoding losses")
	fs.Float64Var(&l.SetCostClass, "set_cost_class", l.SetCostClass, "class coefficient in the matching cost")
	fs.Float64Var(&l.SetCostBBoxCoordinates, "set_cost_bbox_coordinates", l.SetCostBBoxCoordinates, "L1 box coefficient on center coordinates in the matching cost")
	fs.Float64Var(&l.SetCostBBoxDimensions, "set_cost_bbox_dimensions", l.SetCostBBoxDimensions, "L1 box coefficient on width/height in the matching cost")
	fs.Float64Var(&l.SetCostGIoU, "set_cost_giou", l.SetCostGIoU, "giou coefficient in the matching cost")
	fs.Float64Var(&l.MaskLossCoef, "mask_loss_coef", l.MaskLossCoef, "mask loss coefficient")
	fs.Float64Var(&l.DiceLossCoef, "dice_loss_coef", l.DiceLossCoef, "dice loss coefficient")
	fs.Float64Var(&l.BBoxCoordinatesLossCoef, "bbox_coordinates_loss_coef", l.BBoxCoordinatesLossCoef, "box center loss coefficient")
	fs.Float64Var(&l.BBoxDimensionsLossCoef, "bbox_dimensions_loss_coef", l.BBoxDimensionsLossCoef, "box size loss coefficient")
	fs.Float64Var(&l.GIoULossCoef, "giou_loss_coef", l.GIoULossCoef, "giou loss coefficient")
	fs.Float64Var(&l.EOSCoef, "eos_coef", l.EOSCoef, "relative classification weight of the no-object class")

	d := &c.Data
	fs.StringVar(&d.DatasetFile, "dataset_file", d.DatasetFile, "dataset kind (coco, coco_panoptic, ...)")
	fs.StringVar(&d.CocoPath, "coco_path", d.CocoPath, "root of the COCO-style dataset")
	fs.StringVar(&d.CocoPanopticPath, "coco_panoptic_path", d.CocoPanopticPath, "root of the panoptic annotations")
	fs.BoolVar(&d.RemoveDifficult, "remove_difficult", d.RemoveDifficult, "drop annotations flagged as difficult")
	fs.IntVar(&d.NumWorkers, "num_workers", d.NumWorkers, "data loading workers per process")

	r := &c.Run
	fs.StringVar(&r.Backend, "backend", r.Backend, "registered model/dataset backend")
	fs.StringVar(&r.OutputDir, "output_dir", r.OutputDir, "where to save checkpoints and logs, empty for no saving")
	fs.StringVar(&r.Device, "device", r.Device, "device to use for training / testing")
	fs.Int64Var(&r.Seed, "seed", r.Seed, "base random seed (rank is added per process)")
	fs.StringVar(&r.Resume, "resume", r.Resume, "resume from checkpoint (path, https:// or oci:// reference)")
	fs.BoolVar(&r.AutoResume, "auto_resume", r.AutoResume, "resume from checkpoint.pth in output_dir when --resume is empty")
	fs.IntVar(&r.StartEpoch, "start_epoch", r.StartEpoch, "start epoch")
	fs.BoolVar(&r.Eval, "eval", r.Eval, "run a single evaluation pass and exit")
	fs.StringVar(&r.CheckpointFormat, "checkpoint_format", r.CheckpointFormat, "checkpoint encoding (proto or json)")
	fs.StringVar(&r.CacheDir, "cache_dir", r.CacheDir, "cache for remote checkpoints (default: user cache dir)")
	fs.BoolVarP(&r.Verbose, "verbose", "v", r.Verbose, "enable debug logging")

	ds := &c.Distributed
	fs.IntVar(&ds.WorldSize, "world_size", ds.WorldSize, "number of distributed processes")
	fs.StringVar(&ds.DistURL, "dist_url", ds.DistURL, "url used to set up distributed training")

	t := &c.Tracking
	fs.StringVar(&t.URL, "tracking_url", t.URL, "base URL of the experiment tracking service, empty to disable")
	fs.StringVar(&t.Project, "project", t.Project, "experiment tracking project")
}
